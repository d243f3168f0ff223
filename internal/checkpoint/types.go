package checkpoint

import "time"

// ChangeType classifies how a snapshotted file relates to its checkpoint.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Blob is immutable content addressed by the lowercase hex SHA-256 of its
// bytes. Multiple snapshots may share one blob; refcount tracks how many
// live snapshots reference it.
type Blob struct {
	Hash      string
	Size      int64
	RefCount  int64
	CreatedAt time.Time
}

// Stats summarizes the Blob Store's contents.
type Stats struct {
	BlobCount     int64
	TotalSize     int64
	TotalRefs     int64
	OrphanedCount int64
}

// Snapshot captures one file's pre-edit state within a checkpoint. At most
// one snapshot exists per (CheckpointID, RelativePath) pair.
type Snapshot struct {
	CheckpointID string
	RelativePath string
	BlobHash     string // empty iff ChangeType == ChangeAdded
	ChangeType   ChangeType
	FileSize     int64
}

// Checkpoint is one node in a session's linear edit-history chain.
type Checkpoint struct {
	ID            string
	WorkspacePath string
	SessionID     string
	MessageID     string
	ParentID      string // empty for the first checkpoint in a session
	CreatedAt     time.Time
}

// Summary is the list-view projection of a Checkpoint plus aggregate
// snapshot stats, as returned by list_by_session.
type Summary struct {
	ID        string
	ParentID  string
	FileCount int
	TotalSize int64
	CreatedAt time.Time
}

// RestoreResult reports the outcome of a rollback: which relative paths
// were restored and which failed (missing blob, write error, etc).
type RestoreResult struct {
	Restored []string
	Failed   []RestoreFailure
}

// RestoreFailure names a path that could not be restored and why.
type RestoreFailure struct {
	Path   string
	Reason string
}

// DiffEntry is one file's comparison result from diff_with_workspace.
type DiffEntry struct {
	Path       string
	ChangeType ChangeType
	Diff       string // unified diff text; empty if content is unchanged
}
