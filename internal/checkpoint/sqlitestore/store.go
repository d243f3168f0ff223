// Package sqlitestore is a SQLite-backed checkpoint.Backend for
// single-process deployments that need checkpoints to survive restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/forgehub/agentic-core/internal/checkpoint"
)

// Store implements checkpoint.Backend over a single SQLite database file.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the SQLite database at path and ensures
// the checkpoint schema exists.
func New(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint sqlitestore: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
			hash TEXT PRIMARY KEY,
			content BLOB NOT NULL,
			size INTEGER NOT NULL,
			ref_count INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			workspace_path TEXT NOT NULL,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			parent_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_snapshots (
			checkpoint_id TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			blob_hash TEXT,
			change_type TEXT NOT NULL,
			file_size INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (checkpoint_id, relative_path)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("checkpoint sqlitestore: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) GetBlob(ctx context.Context, hash string) (checkpoint.BlobRow, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, content, size, ref_count FROM checkpoint_blobs WHERE hash = ?`, hash)
	var out checkpoint.BlobRow
	if err := row.Scan(&out.Hash, &out.Content, &out.Size, &out.RefCount); err != nil {
		if err == sql.ErrNoRows {
			return checkpoint.BlobRow{}, false, nil
		}
		return checkpoint.BlobRow{}, false, fmt.Errorf("checkpoint sqlitestore: get blob: %w", err)
	}
	return out, true, nil
}

func (s *Store) InsertBlob(ctx context.Context, hash string, content []byte, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_blobs (hash, content, size, ref_count) VALUES (?, ?, ?, 1)`,
		hash, content, size)
	if err != nil {
		return fmt.Errorf("checkpoint sqlitestore: insert blob: %w", err)
	}
	return nil
}

func (s *Store) IncrementRef(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint_blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("checkpoint sqlitestore: increment ref: %w", err)
	}
	return nil
}

func (s *Store) DecrementRef(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint_blobs SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0`, hash)
	if err != nil {
		return fmt.Errorf("checkpoint sqlitestore: decrement ref: %w", err)
	}
	return nil
}

func (s *Store) DeleteOrphaned(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_blobs WHERE ref_count <= 0`)
	if err != nil {
		return 0, fmt.Errorf("checkpoint sqlitestore: delete orphaned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checkpoint sqlitestore: delete orphaned: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (checkpoint.Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(ref_count), 0),
			COALESCE(SUM(CASE WHEN ref_count = 0 THEN 1 ELSE 0 END), 0)
		FROM checkpoint_blobs`)
	var st checkpoint.Stats
	if err := row.Scan(&st.BlobCount, &st.TotalSize, &st.TotalRefs, &st.OrphanedCount); err != nil {
		return checkpoint.Stats{}, fmt.Errorf("checkpoint sqlitestore: stats: %w", err)
	}
	return st, nil
}

func (s *Store) InsertCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	var parent sql.NullString
	if cp.ParentID != "" {
		parent = sql.NullString{String: cp.ParentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, workspace_path, session_id, message_id, parent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.WorkspacePath, cp.SessionID, cp.MessageID, parent, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("checkpoint sqlitestore: insert checkpoint: %w", err)
	}
	return nil
}

func scanCheckpoint(row *sql.Row) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	var parent sql.NullString
	var createdAt time.Time
	if err := row.Scan(&cp.ID, &cp.WorkspacePath, &cp.SessionID, &cp.MessageID, &parent, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	cp.ParentID = parent.String
	cp.CreatedAt = createdAt
	return &cp, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_path, session_id, message_id, parent_id, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("checkpoint sqlitestore: latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_path, session_id, message_id, parent_id, created_at
		 FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("checkpoint sqlitestore: get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_path, session_id, message_id, parent_id, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint sqlitestore: list by session: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var cp checkpoint.Checkpoint
		var parent sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&cp.ID, &cp.WorkspacePath, &cp.SessionID, &cp.MessageID, &parent, &createdAt); err != nil {
			return nil, fmt.Errorf("checkpoint sqlitestore: list by session: %w", err)
		}
		cp.ParentID = parent.String
		cp.CreatedAt = createdAt
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCheckpoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("checkpoint sqlitestore: delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, checkpointID, relPath string) (*checkpoint.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, relative_path, blob_hash, change_type, file_size
		 FROM checkpoint_snapshots WHERE checkpoint_id = ? AND relative_path = ?`,
		checkpointID, relPath)
	var snap checkpoint.Snapshot
	var blobHash sql.NullString
	if err := row.Scan(&snap.CheckpointID, &snap.RelativePath, &blobHash, &snap.ChangeType, &snap.FileSize); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint sqlitestore: get snapshot: %w", err)
	}
	snap.BlobHash = blobHash.String
	return &snap, nil
}

func (s *Store) InsertSnapshot(ctx context.Context, snap checkpoint.Snapshot) error {
	var blobHash sql.NullString
	if snap.BlobHash != "" {
		blobHash = sql.NullString{String: snap.BlobHash, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoint_snapshots
		 (checkpoint_id, relative_path, blob_hash, change_type, file_size)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.CheckpointID, snap.RelativePath, blobHash, snap.ChangeType, snap.FileSize)
	if err != nil {
		return fmt.Errorf("checkpoint sqlitestore: insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, checkpointID string) ([]checkpoint.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, relative_path, blob_hash, change_type, file_size
		 FROM checkpoint_snapshots WHERE checkpoint_id = ? ORDER BY relative_path`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint sqlitestore: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Snapshot
	for rows.Next() {
		var snap checkpoint.Snapshot
		var blobHash sql.NullString
		if err := rows.Scan(&snap.CheckpointID, &snap.RelativePath, &blobHash, &snap.ChangeType, &snap.FileSize); err != nil {
			return nil, fmt.Errorf("checkpoint sqlitestore: list snapshots: %w", err)
		}
		snap.BlobHash = blobHash.String
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSnapshots(ctx context.Context, checkpointID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_snapshots WHERE checkpoint_id = ?`, checkpointID)
	if err != nil {
		return fmt.Errorf("checkpoint sqlitestore: delete snapshots: %w", err)
	}
	return nil
}
