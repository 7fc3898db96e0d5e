// Package mount maps URL path prefixes onto storage backends. It owns the
// mount-point records, longest-prefix path resolution, and the cache of
// lazily constructed storage drivers.
package mount

import (
	"fmt"
	"time"
)

// MountPoint binds a URL path prefix to a backing storage configuration.
type MountPoint struct {
	ID              int64
	MountPath       string // normalized, "/"-prefixed, no trailing slash (except "/")
	StorageType     string // driver type identifier ("s3", "minio")
	StorageConfigID int64
	WebProxy        bool // stream bytes through the gateway instead of redirecting
	SignEnabled     bool // issue presigned URLs for downloads
	SignExpires     time.Duration
	IsActive        bool
	LastUsedAt      time.Time
}

// CacheKey identifies the driver instance serving this mount. Mounts sharing
// a (type, config) pair share one driver.
func (m *MountPoint) CacheKey() string {
	return fmt.Sprintf("%s:%d", m.StorageType, m.StorageConfigID)
}
