// Package workspacewatch is the external workspace-change notice feed:
// it watches a workspace root with fsnotify and reports every
// out-of-band create/write/remove/rename into the File Context Tracker as
// a SourceUserEdited operation, so the next AssertFileNotModified call
// correctly flags a file the agent didn't touch but that changed anyway
// (e.g. the user editing in their own IDE while a turn runs).
//
// Alongside the tracker feed, the watcher accumulates Change records,
// one coalesced entry per touched path, that the Task Executor drains
// before each turn and renders into a system reminder for the model.
package workspacewatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/forgehub/agentic-core/internal/filetracker"
)

// Kind classifies one external change.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
	KindRenamed  Kind = "renamed"
)

// Change is one pending workspace-change notice: an out-of-band edit
// observed since the last drain. Patch carries a unified diff against the
// content at the last drain when the file is small enough and a baseline
// exists; LargeChange marks files too big to diff.
type Change struct {
	RelativePath string
	Kind         Kind
	ObservedAtMS int64
	Patch        string
	LargeChange  bool
}

// maxPatchFileBytes is the per-file ceiling above which a change is
// reported as LargeChange with no patch.
const maxPatchFileBytes = 64 << 10

// pendingCap bounds the coalesced pending-change buffer; a churn storm
// past the cap drops further paths rather than growing without bound.
const pendingCap = 200

// maxNoticePaths is how many paths a rendered notice lists.
const maxNoticePaths = 20

// ignoredDirs are never watched; they churn constantly and carry no
// agent-relevant signal.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".agentcore":   true,
}

// Watcher recursively watches a workspace root and feeds change events
// into a Tracker.
type Watcher struct {
	workspaceRoot string

	mu      sync.Mutex
	tracker *filetracker.Tracker
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	nmu     sync.Mutex
	pending []Change
	byPath  map[string]int
	prev    map[string][]byte // content at last drain, small files only
}

// New constructs a Watcher bound to workspaceRoot and tracker. Start must
// be called to begin watching.
func New(workspaceRoot string, tracker *filetracker.Tracker) *Watcher {
	return &Watcher{
		workspaceRoot: workspaceRoot,
		tracker:       tracker,
		byPath:        map[string]int{},
		prev:          map[string][]byte{},
	}
}

// Retarget points the watcher at a new Tracker. Trackers are per-turn;
// the watcher outlives them so pending changes carry across turns.
func (w *Watcher) Retarget(tracker *filetracker.Tracker) {
	w.mu.Lock()
	w.tracker = tracker
	w.mu.Unlock()
}

// Start begins watching the workspace tree. Calling Start twice is a
// no-op until Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fsw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.addTree(w.workspaceRoot); err != nil {
		fsw.Close()
		w.mu.Lock()
		w.watcher = nil
		w.cancel = nil
		w.mu.Unlock()
		return err
	}

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops watching and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fsw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort: skip unreadable subtrees
		}
		if !info.IsDir() {
			return nil
		}
		if ignoredDirs[filepath.Base(path)] {
			return filepath.SkipDir
		}
		w.mu.Lock()
		fsw := w.watcher
		w.mu.Unlock()
		if fsw == nil {
			return filepath.SkipAll
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	fsw := w.watcher
	w.mu.Unlock()
	if fsw == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			w.mu.Lock()
			fsw := w.watcher
			w.mu.Unlock()
			if fsw != nil {
				_ = fsw.Add(event.Name)
			}
		}
		return
	}

	rel := filetracker.NormalizePath(w.workspaceRoot, event.Name)
	if strings.HasPrefix(rel, "..") {
		return
	}
	var mtime time.Time
	if info, err := os.Stat(event.Name); err == nil {
		mtime = info.ModTime()
	} else {
		mtime = time.Now()
	}
	w.mu.Lock()
	tracker := w.tracker
	w.mu.Unlock()
	if tracker != nil {
		tracker.TrackFileOperation(filetracker.Operation{
			Path:       rel,
			Source:     filetracker.SourceUserEdited,
			RecordedAt: time.Now(),
			Mtime:      mtime,
		})
	}
	w.note(rel, kindOf(event.Op), event.Name)
}

func kindOf(op fsnotify.Op) Kind {
	switch {
	case op&fsnotify.Create != 0:
		return KindCreated
	case op&fsnotify.Remove != 0:
		return KindDeleted
	case op&fsnotify.Rename != 0:
		return KindRenamed
	default:
		return KindModified
	}
}

// note records one change into the pending buffer, coalescing repeated
// events for the same path into a single entry. The patch is always
// computed against the content at the last drain, so coalescing keeps
// the cumulative diff rather than just the last hop.
func (w *Watcher) note(rel string, kind Kind, absPath string) {
	w.nmu.Lock()
	defer w.nmu.Unlock()

	ch := Change{RelativePath: rel, Kind: kind, ObservedAtMS: time.Now().UnixMilli()}
	if kind == KindCreated || kind == KindModified {
		if content, err := os.ReadFile(absPath); err == nil {
			if len(content) > maxPatchFileBytes {
				ch.LargeChange = true
			} else if before, ok := w.prev[rel]; ok {
				ch.Patch = unifiedPatch(rel, before, content)
			}
		}
	}

	if i, ok := w.byPath[rel]; ok {
		// A file the watcher saw appear and then get written is still a
		// creation from the turn's point of view.
		if w.pending[i].Kind == KindCreated && kind == KindModified {
			ch.Kind = KindCreated
		}
		w.pending[i] = ch
		return
	}
	if len(w.pending) >= pendingCap {
		return
	}
	w.byPath[rel] = len(w.pending)
	w.pending = append(w.pending, ch)
}

// DrainChanges returns every pending change and resets the buffer. The
// drained files' current contents become the diff baseline for the next
// round of notices.
func (w *Watcher) DrainChanges() []Change {
	w.nmu.Lock()
	defer w.nmu.Unlock()

	out := w.pending
	w.pending = nil
	w.byPath = map[string]int{}
	for _, c := range out {
		abs := filepath.Join(w.workspaceRoot, filepath.FromSlash(c.RelativePath))
		if content, err := os.ReadFile(abs); err == nil && len(content) <= maxPatchFileBytes {
			w.prev[c.RelativePath] = content
		} else {
			delete(w.prev, c.RelativePath)
		}
	}
	return out
}

func unifiedPatch(path string, before, after []byte) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}

// RenderNotice formats drained changes as the reminder text sent to the
// model before a turn: at most maxNoticePaths paths, each with its diff
// when one is available, large changes marked with the diff omitted.
func RenderNotice(changes []Change) string {
	if len(changes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Files changed outside this session since the last turn:\n")
	shown := changes
	if len(shown) > maxNoticePaths {
		shown = shown[:maxNoticePaths]
	}
	for _, c := range shown {
		fmt.Fprintf(&b, "- %s (%s)", c.RelativePath, c.Kind)
		switch {
		case c.LargeChange:
			b.WriteString(": large change, diff omitted\n")
		case c.Patch != "":
			b.WriteString(":\n")
			for _, line := range strings.Split(strings.TrimRight(c.Patch, "\n"), "\n") {
				b.WriteString("  ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		default:
			b.WriteString("\n")
		}
	}
	if extra := len(changes) - len(shown); extra > 0 {
		fmt.Fprintf(&b, "... and %d more\n", extra)
	}
	return strings.TrimRight(b.String(), "\n")
}
