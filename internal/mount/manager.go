package mount

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/logging"
	"github.com/stormdav/stormdav/internal/metrics"
	"github.com/stormdav/stormdav/internal/storage"
)

// Default driver-cache windows.
const (
	DefaultIdleTTL     = 30 * time.Minute
	DefaultSweepWindow = 10 * time.Minute
)

type cacheEntry struct {
	driver         storage.Driver
	storageType    string
	configID       int64
	mountID        int64
	lastAccessedAt time.Time
}

// Manager caches one initialized storage driver per (storageType, configID)
// pair. Entries are built lazily on first access, touched on every hit, and
// evicted after sitting idle past the TTL. Sweeps run opportunistically
// inside GetDriver (throttled to one per sweep window) and from a background
// janitor started with Start.
type Manager struct {
	store   Store
	factory DriverFactory

	idleTTL     time.Duration
	sweepWindow time.Duration

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lastSweep time.Time

	now func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithIdleTTL overrides the idle eviction TTL.
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTTL = d }
}

// WithSweepWindow overrides the minimum interval between sweeps.
func WithSweepWindow(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepWindow = d }
}

// NewManager creates a Manager backed by the given store and factory.
func NewManager(store Store, factory DriverFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		factory:     factory,
		idleTTL:     DefaultIdleTTL,
		sweepWindow: DefaultSweepWindow,
		entries:     make(map[string]*cacheEntry),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetDriverByPath resolves a path to its mount and returns the mount's
// driver. Last-used bookkeeping failures are logged and swallowed.
func (m *Manager) GetDriverByPath(ctx context.Context, path string, principal *auth.Principal) (storage.Driver, *Resolution, error) {
	mounts, err := m.store.ListActiveMounts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list mounts: %w", err)
	}

	res, err := Resolve(mounts, path, principal)
	if err != nil {
		return nil, nil, err
	}

	driver, err := m.GetDriver(ctx, res.Mount)
	if err != nil {
		return nil, nil, err
	}

	if err := m.store.TouchLastUsed(ctx, res.Mount.ID, m.now()); err != nil {
		logging.Warn("mount last-used update failed",
			zap.Int64("mount_id", res.Mount.ID), zap.Error(err))
	}

	return driver, res, nil
}

// GetDriver returns the cached driver for a mount, constructing and
// initializing it on first access.
func (m *Manager) GetDriver(ctx context.Context, mp *MountPoint) (storage.Driver, error) {
	key := mp.CacheKey()

	m.mu.Lock()
	m.maybeSweepLocked()
	if entry, ok := m.entries[key]; ok {
		entry.lastAccessedAt = m.now()
		driver := entry.driver
		m.mu.Unlock()
		metrics.RecordDriverCache("hit")
		return driver, nil
	}
	m.mu.Unlock()
	metrics.RecordDriverCache("miss")

	// Construct outside the lock; backend initialization does network I/O.
	cfg, err := m.store.GetStorageConfig(ctx, mp.StorageConfigID)
	if err != nil {
		return nil, fmt.Errorf("load storage config %d: %w", mp.StorageConfigID, err)
	}
	if cfg == nil {
		return nil, errs.NotFound(fmt.Sprintf("storage config %d", mp.StorageConfigID))
	}

	driver, err := m.factory(ctx, mp.StorageType, cfg)
	if err != nil {
		return nil, err
	}
	if err := driver.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s driver: %w", mp.StorageType, err)
	}

	m.mu.Lock()
	// Another request may have raced us; keep the first driver.
	if existing, ok := m.entries[key]; ok {
		existing.lastAccessedAt = m.now()
		winner := existing.driver
		m.mu.Unlock()
		if err := driver.Cleanup(); err != nil {
			logging.Warn("driver cleanup failed", zap.Error(err))
		}
		return winner, nil
	}
	m.entries[key] = &cacheEntry{
		driver:         driver,
		storageType:    mp.StorageType,
		configID:       mp.StorageConfigID,
		mountID:        mp.ID,
		lastAccessedAt: m.now(),
	}
	metrics.SetDriverCacheSize(len(m.entries))
	m.mu.Unlock()

	logging.Info("storage driver initialized",
		zap.String("type", mp.StorageType),
		zap.Int64("config_id", mp.StorageConfigID))

	return driver, nil
}

// maybeSweepLocked evicts idle entries if a sweep window has elapsed.
// Must be called with m.mu held.
func (m *Manager) maybeSweepLocked() {
	now := m.now()
	if now.Sub(m.lastSweep) < m.sweepWindow {
		return
	}
	m.lastSweep = now
	m.sweepLocked(now)
}

func (m *Manager) sweepLocked(now time.Time) {
	for key, entry := range m.entries {
		if now.Sub(entry.lastAccessedAt) <= m.idleTTL {
			continue
		}
		delete(m.entries, key)
		metrics.RecordDriverCache("evicted")
		if err := entry.driver.Cleanup(); err != nil {
			logging.Warn("driver cleanup failed",
				zap.String("key", key), zap.Error(err))
		}
		logging.Debug("idle storage driver evicted", zap.String("key", key))
	}
	metrics.SetDriverCacheSize(len(m.entries))
}

// Start runs a background janitor that sweeps idle drivers until the
// context is canceled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				m.lastSweep = m.now()
				m.sweepLocked(m.lastSweep)
				m.mu.Unlock()
			}
		}
	}()
}

// ClearMount evicts the driver serving a specific mount.
func (m *Manager) ClearMount(mountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.mountID == mountID {
			m.removeLocked(key, entry)
		}
	}
}

// ClearConfig evicts the driver for a (storageType, configID) pair.
func (m *Manager) ClearConfig(storageType string, configID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.storageType == storageType && entry.configID == configID {
			m.removeLocked(key, entry)
		}
	}
}

// ClearAll evicts every cached driver.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		m.removeLocked(key, entry)
	}
}

// removeLocked must be called with m.mu held.
func (m *Manager) removeLocked(key string, entry *cacheEntry) {
	delete(m.entries, key)
	if err := entry.driver.Cleanup(); err != nil {
		logging.Warn("driver cleanup failed", zap.String("key", key), zap.Error(err))
	}
	metrics.SetDriverCacheSize(len(m.entries))
}

// Size returns the number of cached drivers.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close evicts all drivers and releases their resources.
func (m *Manager) Close() error {
	m.ClearAll()
	return nil
}
