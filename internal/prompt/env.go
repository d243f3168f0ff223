package prompt

import (
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"
)

// EnvOptions configures the Env section.
type EnvOptions struct {
	WorkingDirectory string
	Now              time.Time
	IncludeFileList  bool
	// ActivePaths lists currently tracked-active files (e.g.
	// filetracker.Tracker.Active()), used for the directory listing when
	// IncludeFileList is set. Hidden entries (dotfiles) are filtered.
	ActivePaths []string
	// IncludeGitInfo runs `git` in WorkingDirectory to report branch and
	// dirty/clean status; disabled by default since it shells out.
	IncludeGitInfo bool
}

// BuildEnv renders the "Working directory / Platform / Today's date"
// section, optionally followed by a file listing and git info block.
func BuildEnv(opts EnvOptions) string {
	wd := opts.WorkingDirectory
	if wd == "" {
		wd = "(none)"
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Here is useful information about the environment you are running in:\n\n<env>\nWorking directory: %s\nPlatform: %s\nToday's date: %s", wd, runtime.GOOS, now.Format("2006-01-02"))

	if opts.IncludeGitInfo && opts.WorkingDirectory != "" {
		if info := gitInfo(opts.WorkingDirectory); info != "" {
			b.WriteString("\n")
			b.WriteString(info)
		}
	}
	b.WriteString("\n</env>")

	if opts.IncludeFileList {
		if listing := fileListing(opts.ActivePaths); listing != "" {
			b.WriteString("\n\n")
			b.WriteString(listing)
		}
	}

	return b.String()
}

// fileListing renders a sorted, hidden-entry-filtered directory listing
// of currently active files.
func fileListing(paths []string) string {
	visible := make([]string, 0, len(paths))
	for _, p := range paths {
		if isHiddenPath(p) {
			continue
		}
		visible = append(visible, p)
	}
	if len(visible) == 0 {
		return ""
	}
	sort.Strings(visible)

	var b strings.Builder
	b.WriteString("Files currently in context:\n")
	for _, p := range visible {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func isHiddenPath(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}

// gitInfo returns "Git branch: <name> (clean|dirty)" for dir, or "" if
// dir is not a git repository or git is unavailable.
func gitInfo(dir string) string {
	branch, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || branch == "" {
		return ""
	}
	status, err := runGit(dir, "status", "--porcelain")
	dirty := "clean"
	if err == nil && strings.TrimSpace(status) != "" {
		dirty = "dirty"
	}
	return fmt.Sprintf("Git branch: %s (%s)", branch, dirty)
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
