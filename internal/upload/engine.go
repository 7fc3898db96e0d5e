// Package upload assembles incoming byte streams into storage-side writes.
// Large bodies are sliced into multipart parts under a bounded memory
// ceiling; failures abort the backend session so nothing is orphaned.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stormdav/stormdav/internal/logging"
	"github.com/stormdav/stormdav/internal/metrics"
	"github.com/stormdav/stormdav/internal/retry"
	"github.com/stormdav/stormdav/internal/storage"
)

// Modes for writing PUT bodies.
const (
	ModeDirect    = "direct"
	ModeMultipart = "multipart"
)

// forceFlushFactor bounds buffered memory: when the buffer grows past this
// multiple of the part size before a natural boundary, a part is flushed
// out of band.
const forceFlushFactor = 1.5

// defaultStreamPartSize is used when the body size is unknown (chunked
// uploads) and no plan can be computed.
const defaultStreamPartSize = 16 * 1024 * 1024

// readChunkSize is the granularity of reads from the request body.
const readChunkSize = 256 * 1024

// Engine writes request bodies to storage drivers.
type Engine struct {
	mode     string
	retryCfg retry.Config
	sessions *SessionRegistry
}

// New creates an Engine. mode selects direct or multipart writes for
// non-empty bodies; drivers without the multipart capability always take
// the direct path.
func New(mode string, retryCfg retry.Config, sessions *SessionRegistry) *Engine {
	if mode != ModeDirect && mode != ModeMultipart {
		mode = ModeMultipart
	}
	if sessions == nil {
		sessions = NewSessionRegistry(DefaultSessionTTL)
	}
	return &Engine{mode: mode, retryCfg: retryCfg, sessions: sessions}
}

// Put writes a request body to the driver at path. contentLength is the
// declared size (-1 when unknown); chunked reports Transfer-Encoding:
// chunked. It returns the number of bytes written.
func (e *Engine) Put(ctx context.Context, drv storage.Driver, path string, body io.Reader, contentLength int64, chunked bool, contentType string) (int64, error) {
	// Empty-body fast path: an explicit zero length, or no length and no
	// chunked framing, means there is nothing to stream.
	if contentLength == 0 || (contentLength < 0 && !chunked) {
		if err := drv.UploadFile(ctx, path, strings.NewReader(""), 0, contentType); err != nil {
			return 0, err
		}
		return 0, nil
	}

	mp, ok := drv.(storage.Multiparter)
	if e.mode == ModeDirect || !ok {
		return e.putDirect(ctx, drv, path, body, contentLength, contentType)
	}

	written, err := e.putMultipart(ctx, drv, mp, path, body, contentLength, contentType)
	if err != nil {
		return written, err
	}
	e.checkDeclaredSize(path, contentLength, written)
	metrics.RecordUpload(written)
	return written, nil
}

// putDirect buffers the whole body and issues one backend PUT.
func (e *Engine) putDirect(ctx context.Context, drv storage.Driver, path string, body io.Reader, contentLength int64, contentType string) (int64, error) {
	var buf bytes.Buffer
	if contentLength > 0 {
		buf.Grow(int(contentLength))
	}
	n, err := io.Copy(&buf, body)
	if err != nil {
		return 0, fmt.Errorf("read request body: %w", err)
	}

	if err := drv.UploadFile(ctx, path, bytes.NewReader(buf.Bytes()), n, contentType); err != nil {
		return 0, err
	}
	e.checkDeclaredSize(path, contentLength, n)
	metrics.RecordUpload(n)
	return n, nil
}

// putMultipart slices the stream into parts of the plan-recommended size,
// uploading each as soon as it is complete. Parts are numbered and uploaded
// strictly in arrival order.
func (e *Engine) putMultipart(ctx context.Context, drv storage.Driver, mp storage.Multiparter, path string, body io.Reader, contentLength int64, contentType string) (written int64, err error) {
	partSize := int64(defaultStreamPartSize)
	if contentLength > 0 {
		partSize = storage.CalculateOptimalPartSize(contentLength, nil).PartSize
	}
	forceFlushAt := int64(float64(partSize) * forceFlushFactor)

	uploadID, err := mp.InitializeMultipartUpload(ctx, path, contentType)
	if err != nil {
		return 0, fmt.Errorf("initialize multipart upload: %w", err)
	}

	e.sessions.Track(uploadID, path, drv.Type(), partSize, func(abortCtx context.Context) error {
		return mp.AbortMultipartUpload(abortCtx, path, uploadID)
	})

	// Any unrecoverable exit aborts the backend session so no orphaned
	// parts accumulate. Abort failures are logged, never surfaced.
	defer func() {
		e.sessions.Release(uploadID)
		if err == nil {
			return
		}
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if abortErr := mp.AbortMultipartUpload(abortCtx, path, uploadID); abortErr != nil {
			logging.Warn("multipart abort failed",
				zap.String("path", path),
				zap.String("upload_id", uploadID),
				zap.Error(abortErr))
		}
	}()

	var (
		buf        bytes.Buffer
		parts      []storage.Part
		partNumber int32
		chunk      = make([]byte, readChunkSize)
	)

	uploadPart := func(data []byte) error {
		partNumber++
		num := partNumber
		part, uerr := e.uploadPartWithRetry(ctx, mp, path, uploadID, num, data)
		if uerr != nil {
			return uerr
		}
		parts = append(parts, part)
		written += int64(len(data))
		e.sessions.Touch(uploadID)
		return nil
	}

	for {
		n, rerr := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])

			// Slice off full parts at the natural boundary. The loop drains
			// the buffer below forceFlushAt even when a single read delivers
			// more than one part's worth of data.
			for int64(buf.Len()) >= partSize {
				if int64(buf.Len()) > forceFlushAt {
					logging.Debug("buffer past memory ceiling, forcing part flush",
						zap.String("path", path), zap.Int("buffered", buf.Len()))
				}
				data := make([]byte, partSize)
				if _, cerr := io.ReadFull(&buf, data); cerr != nil {
					return written, fmt.Errorf("slice part: %w", cerr)
				}
				if uerr := uploadPart(data); uerr != nil {
					return written, uerr
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("read request body: %w", rerr)
		}
	}

	// Final remainder of any size becomes the last part.
	if buf.Len() > 0 {
		if uerr := uploadPart(buf.Bytes()); uerr != nil {
			return written, uerr
		}
	}

	// Defensive zero-byte case: nothing was produced, so abort the session
	// and fall back to a direct empty upload.
	if len(parts) == 0 {
		if aerr := mp.AbortMultipartUpload(ctx, path, uploadID); aerr != nil {
			logging.Warn("multipart abort failed",
				zap.String("path", path), zap.Error(aerr))
		}
		e.sessions.Release(uploadID)
		if uerr := drv.UploadFile(ctx, path, strings.NewReader(""), 0, contentType); uerr != nil {
			return 0, uerr
		}
		return 0, nil
	}

	if cerr := mp.CompleteMultipartUpload(ctx, path, uploadID, parts); cerr != nil {
		err = fmt.Errorf("complete multipart upload: %w", cerr)
		return written, err
	}

	logging.Debug("multipart upload completed",
		zap.String("path", path),
		zap.Int("parts", len(parts)),
		zap.Int64("bytes", written))

	return written, nil
}

func (e *Engine) uploadPartWithRetry(ctx context.Context, mp storage.Multiparter, path, uploadID string, num int32, data []byte) (storage.Part, error) {
	var part storage.Part
	err := retry.Do(ctx, e.retryCfg, func() error {
		p, uerr := mp.UploadPart(ctx, path, uploadID, num, data)
		if uerr != nil {
			metrics.RecordMultipartPart(false)
			return retry.Retryable(uerr)
		}
		part = p
		metrics.RecordMultipartPart(true)
		return nil
	})
	if err != nil {
		return storage.Part{}, fmt.Errorf("upload part %d: %w", num, err)
	}
	return part, nil
}

// checkDeclaredSize compares written bytes against the declared
// Content-Length. Mismatches never fail the upload; within 5% or 1MB the
// difference is treated as client framing noise, beyond that it is warned.
func (e *Engine) checkDeclaredSize(path string, declared, written int64) {
	if declared <= 0 || declared == written {
		return
	}
	diff := declared - written
	if diff < 0 {
		diff = -diff
	}
	tolerance := declared / 20
	if tolerance < 1024*1024 {
		tolerance = 1024 * 1024
	}
	if diff <= tolerance {
		logging.Debug("upload size differs from declared length",
			zap.String("path", path),
			zap.Int64("declared", declared),
			zap.Int64("written", written))
		return
	}
	logging.Warn("upload size differs from declared length",
		zap.String("path", path),
		zap.Int64("declared", declared),
		zap.Int64("written", written))
}
