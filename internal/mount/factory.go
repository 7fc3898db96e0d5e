package mount

import (
	"context"

	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/storage"
	miniodrv "github.com/stormdav/stormdav/internal/storage/minio"
	s3drv "github.com/stormdav/stormdav/internal/storage/s3"
)

// DriverFactory constructs a driver for a storage type and config. The
// Manager calls Initialize on the result before caching it.
type DriverFactory func(ctx context.Context, storageType string, cfg *storage.Config) (storage.Driver, error)

// NewDriver is the default factory, dispatching on the storage type.
func NewDriver(ctx context.Context, storageType string, cfg *storage.Config) (storage.Driver, error) {
	switch storageType {
	case "s3":
		return s3drv.New(ctx, cfg)
	case "minio":
		return miniodrv.New(cfg)
	default:
		return nil, errs.UnsupportedStorageType(storageType)
	}
}
