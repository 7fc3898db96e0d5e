package s3

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stormdav/stormdav/internal/metrics"
	"github.com/stormdav/stormdav/internal/storage"
)

// InitializeMultipartUpload starts a backend-side multipart session.
func (d *Driver) InitializeMultipartUpload(ctx context.Context, p, contentType string) (string, error) {
	if contentType == "" {
		contentType = contentTypeFor(p)
	}

	start := time.Now()
	out, err := d.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key(p)),
		ContentType: aws.String(contentType),
	})
	metrics.RecordStorageOperation("s3", "create_multipart", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("create multipart %s: %w", p, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one numbered part.
func (d *Driver) UploadPart(ctx context.Context, p, uploadID string, partNumber int32, data []byte) (storage.Part, error) {
	start := time.Now()
	out, err := d.client.UploadPart(ctx, &awss3.UploadPartInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(d.key(p)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	metrics.RecordStorageOperation("s3", "upload_part", time.Since(start), err == nil)
	if err != nil {
		return storage.Part{}, fmt.Errorf("upload part %d of %s: %w", partNumber, p, err)
	}
	return storage.Part{
		Number: partNumber,
		ETag:   aws.ToString(out.ETag),
		Size:   int64(len(data)),
	}, nil
}

// CompleteMultipartUpload finalizes the session from the accumulated parts.
func (d *Driver) CompleteMultipartUpload(ctx context.Context, p, uploadID string, parts []storage.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(part.Number),
		})
	}

	start := time.Now()
	_, err := d.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(d.key(p)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	metrics.RecordStorageOperation("s3", "complete_multipart", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("complete multipart %s: %w", p, err)
	}
	return nil
}

// AbortMultipartUpload discards the session and any uploaded parts.
func (d *Driver) AbortMultipartUpload(ctx context.Context, p, uploadID string) error {
	start := time.Now()
	_, err := d.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(d.key(p)),
		UploadId: aws.String(uploadID),
	})
	metrics.RecordStorageOperation("s3", "abort_multipart", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("abort multipart %s: %w", p, err)
	}
	metrics.RecordMultipartAbort()
	return nil
}

// ListParts returns the parts uploaded so far in a session.
func (d *Driver) ListParts(ctx context.Context, p, uploadID string) ([]storage.Part, error) {
	start := time.Now()

	var parts []storage.Part
	var marker *string
	for {
		out, err := d.client.ListParts(ctx, &awss3.ListPartsInput{
			Bucket:           aws.String(d.bucket),
			Key:              aws.String(d.key(p)),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			metrics.RecordStorageOperation("s3", "list_parts", time.Since(start), false)
			return nil, fmt.Errorf("list parts %s: %w", p, err)
		}
		for _, part := range out.Parts {
			parts = append(parts, storage.Part{
				Number: aws.ToInt32(part.PartNumber),
				ETag:   aws.ToString(part.ETag),
				Size:   aws.ToInt64(part.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}

	metrics.RecordStorageOperation("s3", "list_parts", time.Since(start), true)
	return parts, nil
}
