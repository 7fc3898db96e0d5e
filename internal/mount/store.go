package mount

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stormdav/stormdav/internal/storage"
)

// Store is the repository boundary for mount and storage-config records.
// The records are owned by the external admin CRUD layer; the core reads
// them and only ever writes the last-used timestamp.
type Store interface {
	// ListActiveMounts returns all active mount points.
	ListActiveMounts(ctx context.Context) ([]*MountPoint, error)

	// GetMount returns a mount point by ID, or nil when absent.
	GetMount(ctx context.Context, id int64) (*MountPoint, error)

	// GetStorageConfig returns a storage config by ID, or nil when absent.
	GetStorageConfig(ctx context.Context, id int64) (*storage.Config, error)

	// TouchLastUsed records that a mount served a request.
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
}

// SQLStore implements Store over database/sql (PostgreSQL).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const mountColumns = `id, mount_path, storage_type, storage_config_id,
	web_proxy, sign_enabled, sign_expires_seconds, is_active, last_used_at`

func scanMount(scan func(dest ...any) error) (*MountPoint, error) {
	var m MountPoint
	var signExpires int64
	var lastUsed sql.NullTime
	if err := scan(&m.ID, &m.MountPath, &m.StorageType, &m.StorageConfigID,
		&m.WebProxy, &m.SignEnabled, &signExpires, &m.IsActive, &lastUsed); err != nil {
		return nil, err
	}
	m.SignExpires = time.Duration(signExpires) * time.Second
	if lastUsed.Valid {
		m.LastUsedAt = lastUsed.Time
	}
	return &m, nil
}

// ListActiveMounts returns all active mount points.
func (s *SQLStore) ListActiveMounts(ctx context.Context) ([]*MountPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mountColumns+` FROM mount_points WHERE is_active ORDER BY mount_path`)
	if err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	defer rows.Close()

	var mounts []*MountPoint
	for rows.Next() {
		m, err := scanMount(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan mount: %w", err)
		}
		mounts = append(mounts, m)
	}
	return mounts, rows.Err()
}

// GetMount returns a mount point by ID.
func (s *SQLStore) GetMount(ctx context.Context, id int64) (*MountPoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM mount_points WHERE id = $1`, id)
	m, err := scanMount(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mount: %w", err)
	}
	return m, nil
}

// GetStorageConfig returns a storage config by ID.
func (s *SQLStore) GetStorageConfig(ctx context.Context, id int64) (*storage.Config, error) {
	var cfg storage.Config
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, endpoint, bucket, region, access_key, secret_key,
		        path_prefix, use_ssl, capacity
		 FROM storage_configs WHERE id = $1`, id).
		Scan(&cfg.ID, &cfg.Name, &cfg.Endpoint, &cfg.Bucket, &cfg.Region,
			&cfg.AccessKey, &cfg.SecretKey, &cfg.PathPrefix, &cfg.UseSSL, &cfg.Capacity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get storage config: %w", err)
	}
	return &cfg, nil
}

// TouchLastUsed records that a mount served a request.
func (s *SQLStore) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mount_points SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch mount %d: %w", id, err)
	}
	return nil
}
