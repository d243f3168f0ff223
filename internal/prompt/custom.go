package prompt

import (
	"os"
	"path/filepath"
	"strings"
)

// projectInstructionFiles is the cascade order: first
// non-empty file wins.
var projectInstructionFiles = []string{"CLAUDE.md", "AGENTS.md", "WARP.md", ".cursorrules", "README.md"}

// findProjectInstructions returns the name of the first non-empty file in
// the cascade found under workspaceRoot, or "" if none exist.
func findProjectInstructions(workspaceRoot string) string {
	if workspaceRoot == "" {
		return ""
	}
	for _, name := range projectInstructionFiles {
		info, err := os.Stat(filepath.Join(workspaceRoot, name))
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		return name
	}
	return ""
}

// BuildCustom composes the "Custom" section: a by-name reference to the
// winning project instructions file (never inlined) plus global rules
// passed through verbatim. Returns "" if both are absent.
func BuildCustom(workspaceRoot string, globalRules string) string {
	var parts []string

	if name := findProjectInstructions(workspaceRoot); name != "" {
		parts = append(parts, "Project instructions are defined in "+name+". Read it before making changes that might conflict with its conventions.")
	}

	if trimmed := strings.TrimSpace(globalRules); trimmed != "" {
		parts = append(parts, trimmed)
	}

	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n")
}
