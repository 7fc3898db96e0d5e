// Package s3 implements a storage driver for S3-compatible backends using
// the AWS SDK. It satisfies storage.Driver plus the Presigner, Multiparter,
// Atomic and Proxyer capabilities.
package s3

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/stormdav/stormdav/internal/logging"
	"github.com/stormdav/stormdav/internal/metrics"
	"github.com/stormdav/stormdav/internal/storage"
)

// deleteBatchSize is the S3 DeleteObjects limit.
const deleteBatchSize = 1000

// Driver talks to one bucket of an S3-compatible endpoint.
type Driver struct {
	client  *awss3.Client
	presign *awss3.PresignClient
	bucket  string
	prefix  string // normalized key prefix, no leading or trailing slash
}

// New creates a driver from a storage config. Initialize must be called
// before use.
func New(ctx context.Context, cfg *storage.Config) (*Driver, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = true
	})

	return &Driver{
		client:  client,
		presign: awss3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.PathPrefix, "/"),
	}, nil
}

// Type returns "s3".
func (d *Driver) Type() string { return "s3" }

// Initialize verifies the bucket is reachable.
func (d *Driver) Initialize(ctx context.Context) error {
	start := time.Now()
	_, err := d.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(d.bucket),
	})
	metrics.RecordStorageOperation("s3", "head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", d.bucket, err)
	}
	return nil
}

// Cleanup is a no-op; the SDK client holds no persistent connections.
func (d *Driver) Cleanup() error { return nil }

// key maps a driver-relative path onto an object key.
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

// dirKey is the zero-byte directory marker key for a path.
func (d *Driver) dirKey(p string) string {
	k := d.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

// relPath maps an object key back to a driver-relative path.
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
	paginator := awss3.NewListObjectsV2Paginator(d.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordStorageOperation("s3", "list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list %s: %w", p, err)
		}

		for _, cp := range page.CommonPrefixes {
			rel := d.relPath(aws.ToString(cp.Prefix))
			entries = append(entries, storage.FileInfo{
				Name:  path.Base(rel),
				Path:  rel,
				IsDir: true,
			})
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				continue // the directory marker itself
			}
			rel := d.relPath(k)
			fi := storage.FileInfo{
				Name:        path.Base(rel),
				Path:        rel,
				Size:        aws.ToInt64(obj.Size),
				ContentType: contentTypeFor(rel),
				ETag:        strings.Trim(aws.ToString(obj.ETag), `"`),
			}
			if obj.LastModified != nil {
				fi.ModTime = *obj.LastModified
			}
			entries = append(entries, fi)
		}
	}

	metrics.RecordStorageOperation("s3", "list_objects", time.Since(start), true)
	return entries, nil
}

// GetFileInfo returns metadata for a file, falling back to a directory probe.
func (d *Driver) GetFileInfo(ctx context.Context, p string) (*storage.FileInfo, error) {
	start := time.Now()
	head, err := d.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	})
	if err == nil {
		metrics.RecordStorageOperation("s3", "head_object", time.Since(start), true)
		fi := &storage.FileInfo{
			Name:        path.Base(p),
			Path:        "/" + strings.Trim(p, "/"),
			Size:        aws.ToInt64(head.ContentLength),
			ContentType: aws.ToString(head.ContentType),
			ETag:        strings.Trim(aws.ToString(head.ETag), `"`),
		}
		if head.LastModified != nil {
			fi.ModTime = *head.LastModified
		}
		if fi.ContentType == "" {
			fi.ContentType = contentTypeFor(p)
		}
		return fi, nil
	}
	metrics.RecordStorageOperation("s3", "head_object", time.Since(start), false)

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

// dirExists probes for a directory by listing one key under its prefix.
func (d *Driver) dirExists(ctx context.Context, p string) (bool, error) {
	prefix := d.dirKey(p)
	out, err := d.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("probe dir %s: %w", p, err)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

// DownloadFile streams an object's content.
func (d *Driver) DownloadFile(ctx context.Context, p string) (io.ReadCloser, *storage.FileInfo, error) {
	return d.ProxyDownload(ctx, p, 0, 0)
}

// ProxyDownload streams object bytes with optional range support.
func (d *Driver) ProxyDownload(ctx context.Context, p string, offset, length int64) (io.ReadCloser, *storage.FileInfo, error) {
	start := time.Now()

	input := &awss3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	}
	if offset > 0 || length > 0 {
		if length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	result, err := d.client.GetObject(ctx, input)
	if err != nil {
		metrics.RecordStorageOperation("s3", "get_object", time.Since(start), false)
		return nil, nil, fmt.Errorf("get object %s: %w", p, err)
	}
	metrics.RecordStorageOperation("s3", "get_object", time.Since(start), true)

	fi := &storage.FileInfo{
		Name:        path.Base(p),
		Path:        "/" + strings.Trim(p, "/"),
		Size:        aws.ToInt64(result.ContentLength),
		ContentType: aws.ToString(result.ContentType),
		ETag:        strings.Trim(aws.ToString(result.ETag), `"`),
	}
	if result.LastModified != nil {
		fi.ModTime = *result.LastModified
	}
	return result.Body, fi, nil
}

// UploadFile writes an object in one call.
func (d *Driver) UploadFile(ctx context.Context, p string, body io.Reader, size int64, contentType string) error {
	start := time.Now()
	if contentType == "" {
		contentType = contentTypeFor(p)
	}

	input := &awss3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key(p)),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	_, err := d.client.PutObject(ctx, input)
	metrics.RecordStorageOperation("s3", "put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", p, err)
	}

	logging.Debug("s3 put object", zap.String("key", d.key(p)), zap.Int64("size", size))
	return nil
}

// CreateDirectory writes a zero-byte directory marker.
func (d *Driver) CreateDirectory(ctx context.Context, p string) error {
	start := time.Now()
	_, err := d.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(d.dirKey(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	metrics.RecordStorageOperation("s3", "put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("create directory %s: %w", p, err)
	}
	return nil
}

// Exists reports whether a file or directory exists at the path.
func (d *Driver) Exists(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	_, err := d.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	})
	metrics.RecordStorageOperation("s3", "head_object", time.Since(start), err == nil)
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
	_, err := d.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(d.bucket + "/" + srcKey),
	})
	metrics.RecordStorageOperation("s3", "copy_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// listKeys returns every key under a prefix.
func (d *Driver) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(d.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// BatchRemoveItems deletes files and directory trees, one outcome per input
// path. Directory inputs expand to every key under their prefix.
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

		if err := d.deleteKeys(ctx, keys); err != nil {
			res.FailedCount++
			res.Failed = append(res.Failed, storage.BatchFailure{Path: p, Err: err.Error()})
			continue
		}
		res.SuccessCount++
	}

	return res, nil
}

func (d *Driver) deleteKeys(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := len(keys)
		if n > deleteBatchSize {
			n = deleteBatchSize
		}
		batch := keys[:n]
		keys = keys[n:]

		objects := make([]types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		start := time.Now()
		_, err := d.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(d.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		metrics.RecordStorageOperation("s3", "delete_objects", time.Since(start), err == nil)
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}
