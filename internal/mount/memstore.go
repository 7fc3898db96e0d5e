package mount

import (
	"context"
	"sync"
	"time"

	"github.com/stormdav/stormdav/internal/storage"
)

// MemStore is an in-memory Store for tests and single-node setups without
// a database.
type MemStore struct {
	mu      sync.RWMutex
	mounts  map[int64]*MountPoint
	configs map[int64]*storage.Config
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		mounts:  make(map[int64]*MountPoint),
		configs: make(map[int64]*storage.Config),
	}
}

// AddMount registers a mount point.
func (s *MemStore) AddMount(m *MountPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounts[m.ID] = m
}

// AddConfig registers a storage config.
func (s *MemStore) AddConfig(c *storage.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.ID] = c
}

// ListActiveMounts returns all active mount points.
func (s *MemStore) ListActiveMounts(ctx context.Context) ([]*MountPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MountPoint
	for _, m := range s.mounts {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetMount returns a mount point by ID.
func (s *MemStore) GetMount(ctx context.Context, id int64) (*MountPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mounts[id], nil
}

// GetStorageConfig returns a storage config by ID.
func (s *MemStore) GetStorageConfig(ctx context.Context, id int64) (*storage.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs[id], nil
}

// TouchLastUsed records that a mount served a request.
func (s *MemStore) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mounts[id]; ok {
		m.LastUsedAt = at
	}
	return nil
}
