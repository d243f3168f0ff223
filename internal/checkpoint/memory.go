package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is an in-process Backend implementation, the default for
// tests and single-process deployments.
type MemoryBackend struct {
	mu sync.RWMutex

	blobs map[string]*BlobRow

	checkpoints map[string]Checkpoint
	bySession   map[string][]string // sessionID -> checkpoint ids, insertion order

	snapshots map[string]map[string]Snapshot // checkpointID -> relPath -> Snapshot
}

// NewMemoryBackend constructs an empty in-memory Backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		blobs:       make(map[string]*BlobRow),
		checkpoints: make(map[string]Checkpoint),
		bySession:   make(map[string][]string),
		snapshots:   make(map[string]map[string]Snapshot),
	}
}

func (m *MemoryBackend) GetBlob(ctx context.Context, hash string) (BlobRow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.blobs[hash]
	if !ok {
		return BlobRow{}, false, nil
	}
	cp := *row
	cp.Content = append([]byte(nil), row.Content...)
	return cp, true, nil
}

func (m *MemoryBackend) InsertBlob(ctx context.Context, hash string, content []byte, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[hash] = &BlobRow{
		Hash:     hash,
		Content:  append([]byte(nil), content...),
		Size:     size,
		RefCount: 1,
	}
	return nil
}

func (m *MemoryBackend) IncrementRef(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.blobs[hash]; ok {
		row.RefCount++
	}
	return nil
}

func (m *MemoryBackend) DecrementRef(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.blobs[hash]; ok && row.RefCount > 0 {
		row.RefCount--
	}
	return nil
}

func (m *MemoryBackend) DeleteOrphaned(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for hash, row := range m.blobs {
		if row.RefCount <= 0 {
			delete(m.blobs, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, row := range m.blobs {
		s.BlobCount++
		s.TotalSize += row.Size
		s.TotalRefs += row.RefCount
		if row.RefCount == 0 {
			s.OrphanedCount++
		}
	}
	return s, nil
}

func (m *MemoryBackend) InsertCheckpoint(ctx context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = cp
	m.bySession[cp.SessionID] = append(m.bySession[cp.SessionID], cp.ID)
	m.snapshots[cp.ID] = make(map[string]Snapshot)
	return nil
}

func (m *MemoryBackend) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySession[sessionID]
	if len(ids) == 0 {
		return nil, nil
	}
	cp := m.checkpoints[ids[len(ids)-1]]
	return &cp, nil
}

func (m *MemoryBackend) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *MemoryBackend) ListBySession(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := append([]string(nil), m.bySession[sessionID]...)
	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.checkpoints[id])
	}
	// Newest first, matching the Checkpoint CLI's list_by_session contract.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) DeleteCheckpoint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil
	}
	delete(m.checkpoints, id)
	delete(m.snapshots, id)
	ids := m.bySession[cp.SessionID]
	for i, existing := range ids {
		if existing == id {
			m.bySession[cp.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryBackend) GetSnapshot(ctx context.Context, checkpointID, relPath string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPath, ok := m.snapshots[checkpointID]
	if !ok {
		return nil, nil
	}
	snap, ok := byPath[relPath]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *MemoryBackend) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPath, ok := m.snapshots[snap.CheckpointID]
	if !ok {
		byPath = make(map[string]Snapshot)
		m.snapshots[snap.CheckpointID] = byPath
	}
	byPath[snap.RelativePath] = snap
	return nil
}

func (m *MemoryBackend) ListSnapshots(ctx context.Context, checkpointID string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPath := m.snapshots[checkpointID]
	out := make([]Snapshot, 0, len(byPath))
	for _, snap := range byPath {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

func (m *MemoryBackend) DeleteSnapshots(ctx context.Context, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, checkpointID)
	return nil
}
