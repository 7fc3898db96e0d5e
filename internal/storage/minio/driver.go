// Package minio implements a storage driver for S3-compatible backends using
// the MinIO client library. Functionally equivalent to the s3 driver; exists
// for deployments standardized on minio-go and for its leaner streaming path.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/stormdav/stormdav/internal/metrics"
	"github.com/stormdav/stormdav/internal/storage"
)

// Driver talks to one bucket of an S3-compatible endpoint via minio-go.
type Driver struct {
	client *minio.Client
	core   *minio.Core
	bucket string
	prefix string
}

// New creates a driver from a storage config.
func New(cfg *storage.Config) (*Driver, error) {
	endpoint := cfg.Endpoint
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Driver{
		client: client,
		core:   &minio.Core{Client: client},
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.PathPrefix, "/"),
	}, nil
}

// Type returns "minio".
func (d *Driver) Type() string { return "minio" }

// Initialize verifies the bucket exists.
func (d *Driver) Initialize(ctx context.Context) error {
	start := time.Now()
	ok, err := d.client.BucketExists(ctx, d.bucket)
	metrics.RecordStorageOperation("minio", "bucket_exists", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", d.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", d.bucket)
	}
	return nil
}

// Cleanup is a no-op for minio clients.
func (d *Driver) Cleanup() error { return nil }

func (d *Driver) key(p string) string {
	p = strings.Trim(p, "/")
	if d.prefix == "" {
		return p
	}
	if p == "" {
		return d.prefix
	}
	return d.prefix + "/" + p
}

func (d *Driver) dirKey(p string) string {
	k := d.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (d *Driver) relPath(key string) string {
	key = strings.TrimSuffix(key, "/")
	if d.prefix != "" {
		key = strings.TrimPrefix(key, d.prefix)
	}
	return "/" + strings.Trim(key, "/")
}

func contentTypeFor(name string) string {
	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return ct
}

// ListDirectory returns the immediate children of a directory.
func (d *Driver) ListDirectory(ctx context.Context, p string) ([]storage.FileInfo, error) {
	prefix := d.dirKey(p)
	start := time.Now()

	var entries []storage.FileInfo
	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			metrics.RecordStorageOperation("minio", "list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list %s: %w", p, obj.Err)
		}
		if obj.Key == prefix {
			continue
		}
		rel := d.relPath(obj.Key)
		if strings.HasSuffix(obj.Key, "/") {
			entries = append(entries, storage.FileInfo{
				Name:  path.Base(rel),
				Path:  rel,
				IsDir: true,
			})
			continue
		}
		entries = append(entries, storage.FileInfo{
			Name:        path.Base(rel),
			Path:        rel,
			Size:        obj.Size,
			ModTime:     obj.LastModified,
			ContentType: contentTypeFor(rel),
			ETag:        strings.Trim(obj.ETag, `"`),
		})
	}

	metrics.RecordStorageOperation("minio", "list_objects", time.Since(start), true)
	return entries, nil
}

// GetFileInfo returns metadata for a file, falling back to a directory probe.
func (d *Driver) GetFileInfo(ctx context.Context, p string) (*storage.FileInfo, error) {
	start := time.Now()
	stat, err := d.client.StatObject(ctx, d.bucket, d.key(p), minio.StatObjectOptions{})
	if err == nil {
		metrics.RecordStorageOperation("minio", "stat_object", time.Since(start), true)
		ct := stat.ContentType
		if ct == "" {
			ct = contentTypeFor(p)
		}
		return &storage.FileInfo{
			Name:        path.Base(p),
			Path:        "/" + strings.Trim(p, "/"),
			Size:        stat.Size,
			ModTime:     stat.LastModified,
			ContentType: ct,
			ETag:        strings.Trim(stat.ETag, `"`),
		}, nil
	}
	metrics.RecordStorageOperation("minio", "stat_object", time.Since(start), false)

	isDir, derr := d.dirExists(ctx, p)
	if derr != nil {
		return nil, derr
	}
	if isDir {
		return &storage.FileInfo{
			Name:  path.Base(p),
			Path:  "/" + strings.Trim(p, "/"),
			IsDir: true,
		}, nil
	}
	return nil, nil
}

func (d *Driver) dirExists(ctx context.Context, p string) (bool, error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range d.client.ListObjects(listCtx, d.bucket, minio.ListObjectsOptions{
		Prefix:    d.dirKey(p),
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, fmt.Errorf("probe dir %s: %w", p, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

// DownloadFile streams an object's content.
func (d *Driver) DownloadFile(ctx context.Context, p string) (io.ReadCloser, *storage.FileInfo, error) {
	return d.ProxyDownload(ctx, p, 0, 0)
}

// ProxyDownload streams object bytes with optional range support.
func (d *Driver) ProxyDownload(ctx context.Context, p string, offset, length int64) (io.ReadCloser, *storage.FileInfo, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 || length > 0 {
		var err error
		if length > 0 {
			err = opts.SetRange(offset, offset+length-1)
		} else {
			err = opts.SetRange(offset, 0)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("set range: %w", err)
		}
	}

	start := time.Now()
	obj, err := d.client.GetObject(ctx, d.bucket, d.key(p), opts)
	if err != nil {
		metrics.RecordStorageOperation("minio", "get_object", time.Since(start), false)
		return nil, nil, fmt.Errorf("get object %s: %w", p, err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		metrics.RecordStorageOperation("minio", "get_object", time.Since(start), false)
		return nil, nil, fmt.Errorf("get object %s: %w", p, err)
	}
	metrics.RecordStorageOperation("minio", "get_object", time.Since(start), true)

	ct := stat.ContentType
	if ct == "" {
		ct = contentTypeFor(p)
	}
	return obj, &storage.FileInfo{
		Name:        path.Base(p),
		Path:        "/" + strings.Trim(p, "/"),
		Size:        stat.Size,
		ModTime:     stat.LastModified,
		ContentType: ct,
		ETag:        strings.Trim(stat.ETag, `"`),
	}, nil
}

// UploadFile writes an object in one call.
func (d *Driver) UploadFile(ctx context.Context, p string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = contentTypeFor(p)
	}

	start := time.Now()
	_, err := d.client.PutObject(ctx, d.bucket, d.key(p), body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	metrics.RecordStorageOperation("minio", "put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", p, err)
	}
	return nil
}

// CreateDirectory writes a zero-byte directory marker.
func (d *Driver) CreateDirectory(ctx context.Context, p string) error {
	start := time.Now()
	_, err := d.client.PutObject(ctx, d.bucket, d.dirKey(p), strings.NewReader(""), 0, minio.PutObjectOptions{})
	metrics.RecordStorageOperation("minio", "put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("create directory %s: %w", p, err)
	}
	return nil
}

// Exists reports whether a file or directory exists at the path.
func (d *Driver) Exists(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	_, err := d.client.StatObject(ctx, d.bucket, d.key(p), minio.StatObjectOptions{})
	metrics.RecordStorageOperation("minio", "stat_object", time.Since(start), err == nil)
	if err == nil {
		return true, nil
	}
	return d.dirExists(ctx, p)
}

// RenameItem moves a file or directory tree.
func (d *Driver) RenameItem(ctx context.Context, oldPath, newPath string) error {
	return d.Rename(ctx, oldPath, newPath)
}

// Rename implements the Atomic capability: copy then delete.
func (d *Driver) Rename(ctx context.Context, src, dst string) error {
	if err := storage.CheckPathConflict(src, dst); err != nil {
		return err
	}
	if err := d.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := d.BatchRemoveItems(ctx, []string{src})
	return err
}

// Copy copies a file or directory tree within the bucket.
func (d *Driver) Copy(ctx context.Context, src, dst string) error {
	if err := storage.CheckPathConflict(src, dst); err != nil {
		return err
	}

	isDir, err := d.dirExists(ctx, src)
	if err != nil {
		return err
	}
	if !isDir {
		return d.copyObject(ctx, d.key(src), d.key(dst))
	}

	srcPrefix := d.dirKey(src)
	dstPrefix := d.dirKey(dst)
	keys, err := d.listKeys(ctx, srcPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := d.copyObject(ctx, k, dstPrefix+strings.TrimPrefix(k, srcPrefix)); err != nil {
			return err
		}
	}
	return nil
}

// BatchRename applies Rename per pair, capturing each outcome.
func (d *Driver) BatchRename(ctx context.Context, pairs []storage.RenamePair) (*storage.BatchResult, error) {
	res := &storage.BatchResult{}
	for _, pair := range pairs {
		if err := d.Rename(ctx, pair.Src, pair.Dst); err != nil {
			res.FailedCount++
			res.Failed = append(res.Failed, storage.BatchFailure{Path: pair.Src, Err: err.Error()})
			continue
		}
		res.SuccessCount++
	}
	return res, nil
}

// BatchCopy applies Copy per pair, capturing each outcome.
func (d *Driver) BatchCopy(ctx context.Context, pairs []storage.RenamePair) (*storage.BatchResult, error) {
	res := &storage.BatchResult{}
	for _, pair := range pairs {
		if err := d.Copy(ctx, pair.Src, pair.Dst); err != nil {
			res.FailedCount++
			res.Failed = append(res.Failed, storage.BatchFailure{Path: pair.Src, Err: err.Error()})
			continue
		}
		res.SuccessCount++
	}
	return res, nil
}

func (d *Driver) copyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := d.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: d.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: d.bucket, Object: srcKey},
	)
	metrics.RecordStorageOperation("minio", "copy_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

func (d *Driver) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list keys %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// BatchRemoveItems deletes files and directory trees, one outcome per path.
func (d *Driver) BatchRemoveItems(ctx context.Context, paths []string) (*storage.BatchResult, error) {
	res := &storage.BatchResult{}

	for _, p := range paths {
		keys := []string{d.key(p)}
		if isDir, err := d.dirExists(ctx, p); err == nil && isDir {
			expanded, err := d.listKeys(ctx, d.dirKey(p))
			if err != nil {
				res.FailedCount++
				res.Failed = append(res.Failed, storage.BatchFailure{Path: p, Err: err.Error()})
				continue
			}
			keys = append(keys, expanded...)
		}

		failed := false
		for _, k := range keys {
			start := time.Now()
			err := d.client.RemoveObject(ctx, d.bucket, k, minio.RemoveObjectOptions{})
			metrics.RecordStorageOperation("minio", "remove_object", time.Since(start), err == nil)
			if err != nil {
				res.FailedCount++
				res.Failed = append(res.Failed, storage.BatchFailure{Path: p, Err: err.Error()})
				failed = true
				break
			}
		}
		if !failed {
			res.SuccessCount++
		}
	}

	return res, nil
}

// GeneratePresignedURL issues a time-limited URL for direct object access.
func (d *Driver) GeneratePresignedURL(ctx context.Context, p string, opts storage.PresignOptions) (string, error) {
	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	key := d.key(p)

	switch opts.Operation {
	case storage.PresignDownload:
		u, err := d.client.PresignedGetObject(ctx, d.bucket, key, expires, url.Values{})
		if err != nil {
			return "", fmt.Errorf("presign get %s: %w", p, err)
		}
		return u.String(), nil
	case storage.PresignUpload:
		u, err := d.client.PresignedPutObject(ctx, d.bucket, key, expires)
		if err != nil {
			return "", fmt.Errorf("presign put %s: %w", p, err)
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("unknown presign operation %q", opts.Operation)
}

// InitializeMultipartUpload starts a backend-side multipart session.
func (d *Driver) InitializeMultipartUpload(ctx context.Context, p, contentType string) (string, error) {
	if contentType == "" {
		contentType = contentTypeFor(p)
	}
	start := time.Now()
	uploadID, err := d.core.NewMultipartUpload(ctx, d.bucket, d.key(p), minio.PutObjectOptions{
		ContentType: contentType,
	})
	metrics.RecordStorageOperation("minio", "create_multipart", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("create multipart %s: %w", p, err)
	}
	return uploadID, nil
}

// UploadPart uploads one numbered part.
func (d *Driver) UploadPart(ctx context.Context, p, uploadID string, partNumber int32, data []byte) (storage.Part, error) {
	start := time.Now()
	part, err := d.core.PutObjectPart(ctx, d.bucket, d.key(p), uploadID, int(partNumber),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	metrics.RecordStorageOperation("minio", "upload_part", time.Since(start), err == nil)
	if err != nil {
		return storage.Part{}, fmt.Errorf("upload part %d of %s: %w", partNumber, p, err)
	}
	return storage.Part{
		Number: int32(part.PartNumber),
		ETag:   part.ETag,
		Size:   part.Size,
	}, nil
}

// CompleteMultipartUpload finalizes the session.
func (d *Driver) CompleteMultipartUpload(ctx context.Context, p, uploadID string, parts []storage.Part) error {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, minio.CompletePart{
			PartNumber: int(part.Number),
			ETag:       part.ETag,
		})
	}

	start := time.Now()
	_, err := d.core.CompleteMultipartUpload(ctx, d.bucket, d.key(p), uploadID, completed, minio.PutObjectOptions{})
	metrics.RecordStorageOperation("minio", "complete_multipart", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("complete multipart %s: %w", p, err)
	}
	return nil
}

// AbortMultipartUpload discards the session and any uploaded parts.
func (d *Driver) AbortMultipartUpload(ctx context.Context, p, uploadID string) error {
	start := time.Now()
	err := d.core.AbortMultipartUpload(ctx, d.bucket, d.key(p), uploadID)
	metrics.RecordStorageOperation("minio", "abort_multipart", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("abort multipart %s: %w", p, err)
	}
	metrics.RecordMultipartAbort()
	return nil
}

// ListParts returns the parts uploaded so far in a session.
func (d *Driver) ListParts(ctx context.Context, p, uploadID string) ([]storage.Part, error) {
	var parts []storage.Part
	marker := 0
	for {
		result, err := d.core.ListObjectParts(ctx, d.bucket, d.key(p), uploadID, marker, 1000)
		if err != nil {
			return nil, fmt.Errorf("list parts %s: %w", p, err)
		}
		for _, part := range result.ObjectParts {
			parts = append(parts, storage.Part{
				Number: int32(part.PartNumber),
				ETag:   part.ETag,
				Size:   part.Size,
			})
		}
		if !result.IsTruncated {
			break
		}
		marker = result.NextPartNumberMarker
	}
	return parts, nil
}
