// Package storage defines the Driver interface for object-storage backends
// and the optional capability interfaces drivers may implement.
//
// Every driver handles raw object I/O for one bucket/endpoint pair. Optional
// behaviors (presigned URLs, multipart uploads, atomic rename/copy, byte
// proxying) are separate interfaces so callers can accept exactly the
// capability they need and fail fast when a backend lacks it.
package storage

import (
	"context"
	"io"
	"strings"
	"time"
)

// FileInfo describes a single object or directory within a driver.
type FileInfo struct {
	Name        string
	Path        string // driver-relative path, always "/"-prefixed
	Size        int64
	IsDir       bool
	ModTime     time.Time
	ContentType string
	ETag        string
}

// BatchResult reports per-item outcomes of a batch operation. Batch
// operations are never atomic; one item's failure does not abort siblings.
type BatchResult struct {
	SuccessCount int
	FailedCount  int
	Failed       []BatchFailure
}

// BatchFailure names one failed item.
type BatchFailure struct {
	Path string
	Err  string
}

// Driver is the required capability set of every storage backend.
type Driver interface {
	// Initialize verifies connectivity and prepares the backend.
	Initialize(ctx context.Context) error

	// Type returns the driver type identifier ("s3", "minio").
	Type() string

	// ListDirectory returns the immediate children of a directory.
	ListDirectory(ctx context.Context, path string) ([]FileInfo, error)

	// GetFileInfo returns metadata for a file or directory.
	GetFileInfo(ctx context.Context, path string) (*FileInfo, error)

	// DownloadFile streams an object's content.
	DownloadFile(ctx context.Context, path string) (io.ReadCloser, *FileInfo, error)

	// UploadFile writes an object in one call. size may be -1 when unknown.
	UploadFile(ctx context.Context, path string, body io.Reader, size int64, contentType string) error

	// CreateDirectory creates a directory marker.
	CreateDirectory(ctx context.Context, path string) error

	// RenameItem moves a file or directory within the backend.
	RenameItem(ctx context.Context, oldPath, newPath string) error

	// BatchRemoveItems deletes files and directory trees.
	BatchRemoveItems(ctx context.Context, paths []string) (*BatchResult, error)

	// Exists reports whether a file or directory exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Cleanup releases resources held by the driver.
	Cleanup() error
}

// PresignOperation selects the HTTP verb a presigned URL grants.
type PresignOperation string

const (
	PresignDownload PresignOperation = "download"
	PresignUpload   PresignOperation = "upload"
)

// PresignOptions configures presigned URL generation.
type PresignOptions struct {
	Operation   PresignOperation
	ExpiresIn   time.Duration
	ContentType string
}

// Presigner issues time-limited URLs for direct client/storage access.
type Presigner interface {
	GeneratePresignedURL(ctx context.Context, path string, opts PresignOptions) (string, error)
}

// Part identifies one uploaded multipart piece.
type Part struct {
	Number int32
	ETag   string
	Size   int64
}

// Multiparter manages backend-side multipart upload sessions.
type Multiparter interface {
	InitializeMultipartUpload(ctx context.Context, path, contentType string) (uploadID string, err error)
	UploadPart(ctx context.Context, path, uploadID string, partNumber int32, data []byte) (Part, error)
	CompleteMultipartUpload(ctx context.Context, path, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, path, uploadID string) error
	ListParts(ctx context.Context, path, uploadID string) ([]Part, error)
}

// RenamePair is one source/destination pair for batch rename/copy.
type RenamePair struct {
	Src string
	Dst string
}

// Atomic provides backend-native rename and copy.
type Atomic interface {
	Rename(ctx context.Context, src, dst string) error
	Copy(ctx context.Context, src, dst string) error
	BatchRename(ctx context.Context, pairs []RenamePair) (*BatchResult, error)
	BatchCopy(ctx context.Context, pairs []RenamePair) (*BatchResult, error)
}

// Proxyer streams object bytes through the application with range support,
// for backends where presigned redirects are unavailable or disabled.
type Proxyer interface {
	ProxyDownload(ctx context.Context, path string, offset, length int64) (io.ReadCloser, *FileInfo, error)
}

// CheckPathConflict rejects rename/copy pairs that can never succeed:
// identical paths and destinations nested inside the source.
func CheckPathConflict(src, dst string) error {
	src = strings.TrimSuffix(src, "/")
	dst = strings.TrimSuffix(dst, "/")
	if src == dst {
		return ErrSamePath
	}
	if strings.HasPrefix(dst, src+"/") {
		return ErrDestInsideSource
	}
	return nil
}
