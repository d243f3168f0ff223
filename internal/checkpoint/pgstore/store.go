// Package pgstore is a Postgres/CockroachDB-backed checkpoint.Backend
// for multi-process and shared deployments.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/forgehub/agentic-core/internal/checkpoint"
)

// Store implements checkpoint.Backend over a Postgres-compatible database.
type Store struct {
	db *sql.DB
}

// New opens dsn and ensures the checkpoint schema exists.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint pgstore: open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint pgstore: ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
			hash TEXT PRIMARY KEY,
			content BYTEA NOT NULL,
			size BIGINT NOT NULL,
			ref_count BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			workspace_path TEXT NOT NULL,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			parent_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_snapshots (
			checkpoint_id TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			blob_hash TEXT,
			change_type TEXT NOT NULL,
			file_size BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (checkpoint_id, relative_path)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint pgstore: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) GetBlob(ctx context.Context, hash string) (checkpoint.BlobRow, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, content, size, ref_count FROM checkpoint_blobs WHERE hash = $1`, hash)
	var out checkpoint.BlobRow
	if err := row.Scan(&out.Hash, &out.Content, &out.Size, &out.RefCount); err != nil {
		if err == sql.ErrNoRows {
			return checkpoint.BlobRow{}, false, nil
		}
		return checkpoint.BlobRow{}, false, fmt.Errorf("checkpoint pgstore: get blob: %w", err)
	}
	return out, true, nil
}

func (s *Store) InsertBlob(ctx context.Context, hash string, content []byte, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_blobs (hash, content, size, ref_count) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (hash) DO NOTHING`,
		hash, content, size)
	if err != nil {
		return fmt.Errorf("checkpoint pgstore: insert blob: %w", err)
	}
	return nil
}

func (s *Store) IncrementRef(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint_blobs SET ref_count = ref_count + 1 WHERE hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("checkpoint pgstore: increment ref: %w", err)
	}
	return nil
}

func (s *Store) DecrementRef(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint_blobs SET ref_count = ref_count - 1 WHERE hash = $1 AND ref_count > 0`, hash)
	if err != nil {
		return fmt.Errorf("checkpoint pgstore: decrement ref: %w", err)
	}
	return nil
}

func (s *Store) DeleteOrphaned(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_blobs WHERE ref_count <= 0`)
	if err != nil {
		return 0, fmt.Errorf("checkpoint pgstore: delete orphaned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checkpoint pgstore: delete orphaned: %w", err)
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
		return checkpoint.Stats{}, fmt.Errorf("checkpoint pgstore: stats: %w", err)
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
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ID, cp.WorkspacePath, cp.SessionID, cp.MessageID, parent, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("checkpoint pgstore: insert checkpoint: %w", err)
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
		 FROM checkpoints WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("checkpoint pgstore: latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_path, session_id, message_id, parent_id, created_at
		 FROM checkpoints WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("checkpoint pgstore: get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_path, session_id, message_id, parent_id, created_at
		 FROM checkpoints WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint pgstore: list by session: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var cp checkpoint.Checkpoint
		var parent sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&cp.ID, &cp.WorkspacePath, &cp.SessionID, &cp.MessageID, &parent, &createdAt); err != nil {
			return nil, fmt.Errorf("checkpoint pgstore: list by session: %w", err)
		}
		cp.ParentID = parent.String
		cp.CreatedAt = createdAt
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCheckpoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("checkpoint pgstore: delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, checkpointID, relPath string) (*checkpoint.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, relative_path, blob_hash, change_type, file_size
		 FROM checkpoint_snapshots WHERE checkpoint_id = $1 AND relative_path = $2`,
		checkpointID, relPath)
	var snap checkpoint.Snapshot
	var blobHash sql.NullString
	if err := row.Scan(&snap.CheckpointID, &snap.RelativePath, &blobHash, &snap.ChangeType, &snap.FileSize); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint pgstore: get snapshot: %w", err)
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
		`INSERT INTO checkpoint_snapshots (checkpoint_id, relative_path, blob_hash, change_type, file_size)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (checkpoint_id, relative_path) DO UPDATE
		 SET blob_hash = excluded.blob_hash, change_type = excluded.change_type, file_size = excluded.file_size`,
		snap.CheckpointID, snap.RelativePath, blobHash, snap.ChangeType, snap.FileSize)
	if err != nil {
		return fmt.Errorf("checkpoint pgstore: insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, checkpointID string) ([]checkpoint.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, relative_path, blob_hash, change_type, file_size
		 FROM checkpoint_snapshots WHERE checkpoint_id = $1 ORDER BY relative_path`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint pgstore: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Snapshot
	for rows.Next() {
		var snap checkpoint.Snapshot
		var blobHash sql.NullString
		if err := rows.Scan(&snap.CheckpointID, &snap.RelativePath, &blobHash, &snap.ChangeType, &snap.FileSize); err != nil {
			return nil, fmt.Errorf("checkpoint pgstore: list snapshots: %w", err)
		}
		snap.BlobHash = blobHash.String
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSnapshots(ctx context.Context, checkpointID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_snapshots WHERE checkpoint_id = $1`, checkpointID)
	if err != nil {
		return fmt.Errorf("checkpoint pgstore: delete snapshots: %w", err)
	}
	return nil
}
