package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// BlobStore is content-addressed byte storage with refcount GC.
// Hashing and size-limit enforcement live here; row persistence is
// delegated to a BlobBackend so the same logic works over memory, SQLite,
// or Postgres.
type BlobStore struct {
	backend BlobBackend
	config  Config
}

// NewBlobStore wraps a BlobBackend with the given size/ignore config.
func NewBlobStore(backend BlobBackend, config Config) *BlobStore {
	return &BlobStore{backend: backend, config: config}
}

// ComputeHash returns the canonical lowercase hex SHA-256 of content.
func ComputeHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store persists content, returning its hash. If the hash already exists
// the existing row's refcount is incremented instead of writing a second
// physical copy: storing equal bytes twice yields one row.
func (s *BlobStore) Store(ctx context.Context, content []byte) (string, error) {
	if s.config.IsFileTooLarge(int64(len(content))) {
		return "", newError("store", "", "", ErrFileTooLarge)
	}

	hash := ComputeHash(content)

	_, exists, err := s.backend.GetBlob(ctx, hash)
	if err != nil {
		return "", newError("store", "", "", err)
	}
	if exists {
		if err := s.backend.IncrementRef(ctx, hash); err != nil {
			return "", newError("store", "", "", err)
		}
		return hash, nil
	}

	if err := s.backend.InsertBlob(ctx, hash, content, int64(len(content))); err != nil {
		return "", newError("store", "", "", err)
	}
	return hash, nil
}

// Get returns the blob's content, or (nil, false) if it does not exist.
func (s *BlobStore) Get(ctx context.Context, hash string) ([]byte, bool, error) {
	row, ok, err := s.backend.GetBlob(ctx, hash)
	if err != nil {
		return nil, false, newError("get", "", "", err)
	}
	if !ok {
		return nil, false, nil
	}
	return row.Content, true, nil
}

// Exists reports whether hash is present.
func (s *BlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	_, ok, err := s.backend.GetBlob(ctx, hash)
	if err != nil {
		return false, newError("exists", "", "", err)
	}
	return ok, nil
}

// IncrementRef bumps a blob's refcount.
func (s *BlobStore) IncrementRef(ctx context.Context, hash string) error {
	return s.backend.IncrementRef(ctx, hash)
}

// DecrementRef decrements a blob's refcount, saturating at 0.
func (s *BlobStore) DecrementRef(ctx context.Context, hash string) error {
	return s.backend.DecrementRef(ctx, hash)
}

// GC deletes all blobs with refcount <= 0 and returns the count removed.
// Safe to run concurrently with reads: it only ever deletes rows nothing
// references any more.
func (s *BlobStore) GC(ctx context.Context) (int64, error) {
	n, err := s.backend.DeleteOrphaned(ctx)
	if err != nil {
		return 0, newError("gc", "", "", err)
	}
	return n, nil
}

// Stats reports aggregate Blob Store counters.
func (s *BlobStore) Stats(ctx context.Context) (Stats, error) {
	st, err := s.backend.Stats(ctx)
	if err != nil {
		return Stats{}, newError("stats", "", "", err)
	}
	return st, nil
}
