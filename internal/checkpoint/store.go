package checkpoint

import "context"

// BlobBackend persists raw blob rows. BlobStore layers hashing, size
// limits, and refcounting on top of whichever backend is configured.
type BlobBackend interface {
	GetBlob(ctx context.Context, hash string) (BlobRow, bool, error)
	InsertBlob(ctx context.Context, hash string, content []byte, size int64) error
	IncrementRef(ctx context.Context, hash string) error
	DecrementRef(ctx context.Context, hash string) error
	DeleteOrphaned(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// BlobRow is the raw persisted form of a blob, as returned by a
// BlobBackend. Exported so sqlitestore/pgstore can construct it directly.
type BlobRow struct {
	Hash     string
	Content  []byte
	Size     int64
	RefCount int64
}

// CheckpointBackend persists checkpoints and their snapshots.
type CheckpointBackend interface {
	InsertCheckpoint(ctx context.Context, cp Checkpoint) error
	LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListBySession(ctx context.Context, sessionID string) ([]Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) error

	GetSnapshot(ctx context.Context, checkpointID, relPath string) (*Snapshot, error)
	InsertSnapshot(ctx context.Context, snap Snapshot) error
	ListSnapshots(ctx context.Context, checkpointID string) ([]Snapshot, error)
	DeleteSnapshots(ctx context.Context, checkpointID string) error
}

// Backend bundles both halves of persistence; the two sqlitestore/pgstore
// implementations satisfy this with one underlying *sql.DB, the in-memory
// one with two plain maps.
type Backend interface {
	BlobBackend
	CheckpointBackend
}
