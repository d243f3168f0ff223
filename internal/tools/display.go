package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Display is a human-readable presentation of one tool call, used for
// confirmation dialogs and CLI output.
type Display struct {
	Label  string // verb phrase, e.g. "run command"
	Detail string // the salient argument, e.g. "rm -rf build"
}

func (d Display) String() string {
	if d.Detail == "" {
		return d.Label
	}
	return d.Label + ": " + d.Detail
}

// displayVerbs maps a tool category to the verb shown in dialogs.
var displayVerbs = map[Category]string{
	CategoryFileRead:     "read",
	CategoryFileWrite:    "write",
	CategoryCodeAnalysis: "analyze",
	CategoryExecution:    "run",
	CategoryNetwork:      "fetch",
	CategoryFileSystem:   "list",
	CategoryTerminal:     "run",
}

// detailKeys are tried in order when a tool declares no SummaryKeyArg.
var detailKeys = []string{"command", "path", "file_path", "pattern", "url", "query", "description"}

// maxDetailLen bounds the rendered argument so a dialog stays one line.
const maxDetailLen = 120

// DisplayFor renders a tool call for human eyes: the category verb plus
// the tool name, and the most salient argument as the detail.
func DisplayFor(name string, meta Metadata, input json.RawMessage) Display {
	d := Display{Label: name}
	if verb, ok := displayVerbs[meta.Category]; ok {
		d.Label = verb + " " + name
	}

	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil || len(args) == 0 {
		return d
	}

	keys := detailKeys
	if meta.SummaryKeyArg != "" {
		keys = append([]string{meta.SummaryKeyArg}, detailKeys...)
	}
	for _, k := range keys {
		v, ok := args[k]
		if !ok {
			continue
		}
		d.Detail = truncateDetail(shortenHome(fmt.Sprintf("%v", v)))
		break
	}
	return d
}

func truncateDetail(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxDetailLen {
		return s[:maxDetailLen-1] + "…"
	}
	return s
}

// shortenHome replaces the user's home directory prefix with "~" so
// absolute paths stay readable in narrow dialogs.
func shortenHome(s string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" || home == "/" {
		return s
	}
	if strings.HasPrefix(s, home) {
		return "~" + s[len(home):]
	}
	return s
}
