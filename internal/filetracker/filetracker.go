// Package filetracker maintains the active/stale file set for one session:
// which workspace paths the agent has recently read or edited, mtime
// witnesses used to detect out-of-band edits, and the set of paths the
// agent edited this turn (drained for post-turn syntax diagnostics).
package filetracker

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Source identifies why a file operation is being recorded.
type Source string

const (
	SourceReadTool    Source = "read_tool"
	SourceAgentEdited Source = "agent_edited"
	SourceUserEdited  Source = "user_edited"
	SourceMentioned   Source = "file_mentioned"
)

// RecordState is the active/stale membership of a tracked path.
type RecordState string

const (
	StateActive RecordState = "active"
	StateStale  RecordState = "stale"
)

// Record is one entry in the tracker.
type Record struct {
	RelativePath string
	State        RecordState
	RecordedAt   time.Time
}

// Operation is the input to TrackFileOperation.
type Operation struct {
	Path          string
	Source        Source
	StateOverride *RecordState
	RecordedAt    time.Time
	Mtime         time.Time
}

// ErrStale is returned by AssertFileNotModified when the on-disk file has
// changed since the tracker last witnessed it.
type ErrStale struct {
	Path   string
	Reason string
}

func (e *ErrStale) Error() string {
	return "filetracker: " + e.Path + ": " + e.Reason
}

// Tracker is the File Context Tracker. One instance is owned
// per TaskContext/session.
type Tracker struct {
	mu          sync.RWMutex
	records     map[string]Record
	mtimes      map[string]time.Time
	recentAgent map[string]struct{}
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		records:     make(map[string]Record),
		mtimes:      make(map[string]time.Time),
		recentAgent: make(map[string]struct{}),
	}
}

// NormalizePath converts path to a workspace-relative, forward-slash form.
// Paths outside the workspace root are returned unchanged (callers flag
// this separately; the tracker itself does not enforce containment).
func NormalizePath(workspaceRoot, path string) string {
	p := filepath.ToSlash(path)
	if workspaceRoot == "" {
		return strings.TrimPrefix(p, "/")
	}
	root := filepath.ToSlash(workspaceRoot)
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return p
		}
		return filepath.ToSlash(rel)
	}
	return p
}

// TrackFileOperation updates active/stale membership per the source
// source-based precedence below.
func (t *Tracker) TrackFileOperation(op Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recordedAt := op.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	state := StateActive
	switch op.Source {
	case SourceReadTool, SourceAgentEdited, SourceMentioned:
		state = StateActive
	case SourceUserEdited:
		state = StateStale
	}
	if op.StateOverride != nil {
		state = *op.StateOverride
	}

	t.records[op.Path] = Record{RelativePath: op.Path, State: state, RecordedAt: recordedAt}

	if !op.Mtime.IsZero() {
		t.mtimes[op.Path] = op.Mtime
	}

	switch op.Source {
	case SourceAgentEdited:
		t.recentAgent[op.Path] = struct{}{}
	case SourceUserEdited:
		// the stale marking above is what callers see, via Stale();
		// nothing additional tracked here.
	}
}

// RecordFileMtime records the current mtime witness for path.
func (t *Tracker) RecordFileMtime(path string, mtime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mtimes[path] = mtime
}

// AssertFileNotModified returns an error if path has no mtime witness for
// this session, or if currentMtime is newer than the recorded witness.
// Edit tools call this as a pre-condition before writing.
func (t *Tracker) AssertFileNotModified(path string, currentMtime time.Time) error {
	t.mu.RLock()
	witness, ok := t.mtimes[path]
	t.mu.RUnlock()
	if !ok {
		return &ErrStale{Path: path, Reason: "no mtime witness recorded this session"}
	}
	if currentMtime.After(witness) {
		return &ErrStale{Path: path, Reason: "file modified on disk since last read"}
	}
	return nil
}

// Record returns the current record for path, if tracked.
func (t *Tracker) Record(path string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[path]
	return r, ok
}

// Active returns all paths currently marked active.
func (t *Tracker) Active() []Record {
	return t.byState(StateActive)
}

// Stale returns all paths currently marked stale.
func (t *Tracker) Stale() []Record {
	return t.byState(StateStale)
}

func (t *Tracker) byState(state RecordState) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range t.records {
		if r.State == state {
			out = append(out, r)
		}
	}
	return out
}

// TakeRecentAgentEdits drains and returns the set of paths the agent
// edited since the last call, for post-turn syntax diagnostics.
func (t *Tracker) TakeRecentAgentEdits() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.recentAgent))
	for p := range t.recentAgent {
		out = append(out, p)
	}
	t.recentAgent = make(map[string]struct{})
	return out
}
