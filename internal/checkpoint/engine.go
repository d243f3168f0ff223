package checkpoint

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
)

// Engine is the Checkpoint Engine: a per-session chain of
// checkpoints, each lazily accumulating pre-edit file snapshots, with
// best-effort chained rollback and workspace diffing.
type Engine struct {
	backend CheckpointBackend
	blobs   *BlobStore
	config  Config

	now func() time.Time
}

// NewEngine wires a Checkpoint Engine over the given backend and Blob
// Store, sharing the same Config for size limits and ignore patterns.
func NewEngine(backend CheckpointBackend, blobs *BlobStore, config Config) *Engine {
	return &Engine{backend: backend, blobs: blobs, config: config, now: time.Now}
}

// CreateEmpty resolves workspace to a canonical absolute path, finds the
// latest checkpoint for the session as parent, and inserts an empty
// checkpoint.
func (e *Engine) CreateEmpty(ctx context.Context, sessionID, messageID, workspace string) (*Checkpoint, error) {
	root, err := canonicalize(workspace)
	if err != nil {
		return nil, newError("create_empty", "", workspace, err)
	}

	parent, err := e.backend.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, newError("create_empty", "", workspace, err)
	}

	cp := Checkpoint{
		ID:            uuid.NewString(),
		WorkspacePath: root,
		SessionID:     sessionID,
		MessageID:     messageID,
		CreatedAt:     e.now(),
	}
	if parent != nil {
		cp.ParentID = parent.ID
	}

	if err := e.backend.InsertCheckpoint(ctx, cp); err != nil {
		return nil, newError("create_empty", cp.ID, workspace, err)
	}
	return &cp, nil
}

// SnapshotFileBeforeEdit resolves and normalizes file against workspaceRoot,
// rejecting traversal outside it, skipping ignored patterns, and is a
// no-op if a snapshot for that file already exists in the checkpoint.
func (e *Engine) SnapshotFileBeforeEdit(ctx context.Context, checkpointID, file, workspaceRoot string) error {
	root, err := canonicalize(workspaceRoot)
	if err != nil {
		return newError("snapshot_file_before_edit", checkpointID, file, err)
	}

	relPath, absPath, err := resolveWithinRoot(root, file)
	if err != nil {
		return newError("snapshot_file_before_edit", checkpointID, file, err)
	}

	if e.config.IsIgnored(relPath) {
		return nil
	}

	existing, err := e.backend.GetSnapshot(ctx, checkpointID, relPath)
	if err != nil {
		return newError("snapshot_file_before_edit", checkpointID, file, err)
	}
	if existing != nil {
		return nil // idempotent: already captured in this checkpoint
	}

	info, statErr := os.Stat(absPath)
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return newError("snapshot_file_before_edit", checkpointID, file, statErr)
		}
		// File does not exist yet: this is the "added" case.
		return e.backend.InsertSnapshot(ctx, Snapshot{
			CheckpointID: checkpointID,
			RelativePath: relPath,
			ChangeType:   ChangeAdded,
		})
	}

	if e.config.IsFileTooLarge(info.Size()) {
		return newError("snapshot_file_before_edit", checkpointID, file, ErrFileTooLarge)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return newError("snapshot_file_before_edit", checkpointID, file, err)
	}

	hash, err := e.blobs.Store(ctx, content)
	if err != nil {
		return newError("snapshot_file_before_edit", checkpointID, file, err)
	}

	return e.backend.InsertSnapshot(ctx, Snapshot{
		CheckpointID: checkpointID,
		RelativePath: relPath,
		BlobHash:     hash,
		ChangeType:   ChangeModified,
		FileSize:     info.Size(),
	})
}

// Rollback walks the parent chain from the latest checkpoint down to (and
// including) checkpointID, restoring every snapshot in latest-to-target
// order so the earliest pre-edit state wins. Missing blobs are reported
// as failures; restoration is otherwise best-effort.
func (e *Engine) Rollback(ctx context.Context, checkpointID string) (*RestoreResult, error) {
	target, err := e.backend.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, newError("rollback", checkpointID, "", err)
	}
	if target == nil {
		return nil, newError("rollback", checkpointID, "", ErrNotFound)
	}

	chain, err := e.chainFromLatest(ctx, target.SessionID, checkpointID)
	if err != nil {
		return nil, newError("rollback", checkpointID, "", err)
	}

	result := &RestoreResult{}
	for _, cp := range chain {
		snaps, err := e.backend.ListSnapshots(ctx, cp.ID)
		if err != nil {
			return nil, newError("rollback", checkpointID, "", err)
		}
		for _, snap := range snaps {
			if restoreErr := e.restoreSnapshot(ctx, target.WorkspacePath, snap); restoreErr != nil {
				result.Failed = append(result.Failed, RestoreFailure{
					Path:   snap.RelativePath,
					Reason: restoreErr.Error(),
				})
				continue
			}
			result.Restored = append(result.Restored, snap.RelativePath)
		}
	}
	return result, nil
}

func (e *Engine) restoreSnapshot(ctx context.Context, workspaceRoot string, snap Snapshot) error {
	absPath := filepath.Join(workspaceRoot, filepath.FromSlash(snap.RelativePath))

	switch snap.ChangeType {
	case ChangeAdded:
		if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case ChangeModified, ChangeDeleted:
		if snap.BlobHash == "" {
			return ErrBlobMissing
		}
		content, ok, err := e.blobs.Get(ctx, snap.BlobHash)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBlobMissing
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return err
		}
		return os.WriteFile(absPath, content, 0o644)
	default:
		return nil
	}
}

// chainFromLatest returns checkpoints ordered latest -> target (inclusive)
// by walking ParentID links backwards from the session's latest
// checkpoint.
func (e *Engine) chainFromLatest(ctx context.Context, sessionID, targetID string) ([]Checkpoint, error) {
	latest, err := e.backend.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNotFound
	}

	var chain []Checkpoint
	cur := latest
	for {
		chain = append(chain, *cur)
		if cur.ID == targetID {
			return chain, nil
		}
		if cur.ParentID == "" {
			return nil, ErrNoParent
		}
		next, err := e.backend.GetCheckpoint(ctx, cur.ParentID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, ErrNotFound
		}
		cur = next
	}
}

// DiffWithWorkspace compares each snapshot in checkpointID against the
// current on-disk content, emitting a unified diff for Modified entries
// whose content differs.
func (e *Engine) DiffWithWorkspace(ctx context.Context, checkpointID, workspace string) ([]DiffEntry, error) {
	root, err := canonicalize(workspace)
	if err != nil {
		return nil, newError("diff_with_workspace", checkpointID, workspace, err)
	}

	snaps, err := e.backend.ListSnapshots(ctx, checkpointID)
	if err != nil {
		return nil, newError("diff_with_workspace", checkpointID, workspace, err)
	}

	out := make([]DiffEntry, 0, len(snaps))
	for _, snap := range snaps {
		entry := DiffEntry{Path: snap.RelativePath, ChangeType: snap.ChangeType}
		if snap.ChangeType == ChangeModified && snap.BlobHash != "" {
			before, ok, err := e.blobs.Get(ctx, snap.BlobHash)
			if err != nil {
				return nil, newError("diff_with_workspace", checkpointID, workspace, err)
			}
			if ok {
				absPath := filepath.Join(root, filepath.FromSlash(snap.RelativePath))
				after, readErr := os.ReadFile(absPath)
				if readErr == nil && !bytes.Equal(before, after) {
					entry.Diff, _ = unifiedDiff(snap.RelativePath, before, after)
				}
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Delete removes a checkpoint's snapshot rows, decrements refs for every
// non-Added blob, and runs GC.
func (e *Engine) Delete(ctx context.Context, checkpointID string) error {
	snaps, err := e.backend.ListSnapshots(ctx, checkpointID)
	if err != nil {
		return newError("delete", checkpointID, "", err)
	}
	for _, snap := range snaps {
		if snap.ChangeType != ChangeAdded && snap.BlobHash != "" {
			if err := e.blobs.DecrementRef(ctx, snap.BlobHash); err != nil {
				return newError("delete", checkpointID, "", err)
			}
		}
	}
	if err := e.backend.DeleteSnapshots(ctx, checkpointID); err != nil {
		return newError("delete", checkpointID, "", err)
	}
	if err := e.backend.DeleteCheckpoint(ctx, checkpointID); err != nil {
		return newError("delete", checkpointID, "", err)
	}
	_, err = e.blobs.GC(ctx)
	return err
}

// Get returns one checkpoint by id, or nil when it does not exist.
func (e *Engine) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	cp, err := e.backend.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, newError("get", checkpointID, "", err)
	}
	return cp, nil
}

// ListBySession returns per-checkpoint summaries, newest first.
func (e *Engine) ListBySession(ctx context.Context, sessionID string) ([]Summary, error) {
	cps, err := e.backend.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, newError("list_by_session", "", "", err)
	}
	out := make([]Summary, 0, len(cps))
	for _, cp := range cps {
		snaps, err := e.backend.ListSnapshots(ctx, cp.ID)
		if err != nil {
			return nil, newError("list_by_session", cp.ID, "", err)
		}
		var total int64
		for _, s := range snaps {
			total += s.FileSize
		}
		out = append(out, Summary{
			ID:        cp.ID,
			ParentID:  cp.ParentID,
			FileCount: len(snaps),
			TotalSize: total,
			CreatedAt: cp.CreatedAt,
		})
	}
	return out, nil
}

// GetFileContent returns a checkpointed file's pre-edit bytes, if any.
func (e *Engine) GetFileContent(ctx context.Context, checkpointID, path string) (string, bool, error) {
	snap, err := e.backend.GetSnapshot(ctx, checkpointID, path)
	if err != nil {
		return "", false, newError("get_file_content", checkpointID, path, err)
	}
	if snap == nil || snap.BlobHash == "" {
		return "", false, nil
	}
	content, ok, err := e.blobs.Get(ctx, snap.BlobHash)
	if err != nil || !ok {
		return "", false, err
	}
	return string(content), true, nil
}

func unifiedDiff(path string, before, after []byte) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

// Canonicalize resolves workspace to the same canonical absolute path
// CreateEmpty and SnapshotFileBeforeEdit use internally, for callers (the
// Task Executor's admission step) that need to agree on a workspace
// identity before a checkpoint exists.
func Canonicalize(workspace string) (string, error) {
	return canonicalize(workspace)
}

func canonicalize(workspace string) (string, error) {
	if strings.TrimSpace(workspace) == "" {
		return "", ErrPathEscape
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Workspace may not exist yet (fresh checkout); fall back to the
		// absolute, non-symlink-resolved path rather than failing.
		resolved = abs
	}
	return filepath.Clean(resolved), nil
}

// resolveWithinRoot joins root and file, rejecting any result that
// escapes root via ".." traversal, and returns both the workspace-relative
// (forward-slash) path and the resolved absolute path.
func resolveWithinRoot(root, file string) (relPath, absPath string, err error) {
	var candidate string
	if filepath.IsAbs(file) {
		candidate = filepath.Clean(file)
	} else {
		candidate = filepath.Clean(filepath.Join(root, file))
	}

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", "", ErrPathEscape
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", ErrPathEscape
	}

	return filepath.ToSlash(rel), candidate, nil
}
