package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stormdav/stormdav/internal/storage"
)

// defaultPresignExpiry bounds URLs issued without an explicit expiry.
const defaultPresignExpiry = 15 * time.Minute

// GeneratePresignedURL issues a time-limited URL for direct object access.
func (d *Driver) GeneratePresignedURL(ctx context.Context, p string, opts storage.PresignOptions) (string, error) {
	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = defaultPresignExpiry
	}
	key := d.key(p)

	switch opts.Operation {
	case storage.PresignDownload:
		req, err := d.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		}, awss3.WithPresignExpires(expires))
		if err != nil {
			return "", fmt.Errorf("presign get %s: %w", p, err)
		}
		return req.URL, nil

	case storage.PresignUpload:
		input := &awss3.PutObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		req, err := d.presign.PresignPutObject(ctx, input, awss3.WithPresignExpires(expires))
		if err != nil {
			return "", fmt.Errorf("presign put %s: %w", p, err)
		}
		return req.URL, nil
	}

	return "", fmt.Errorf("unknown presign operation %q", opts.Operation)
}
