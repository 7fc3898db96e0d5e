// Package transfer streams objects between storage backends through paired
// presigned URLs, so copy/move across storage configs never buffers file
// content in memory.
package transfer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stormdav/stormdav/internal/logging"
	"github.com/stormdav/stormdav/internal/metrics"
)

// Item describes one file to move between backends.
type Item struct {
	DownloadURL string
	UploadURL   string
	ContentType string
	FileName    string
}

// ItemResult is the outcome for one item.
type ItemResult struct {
	FileName string
	Err      string // empty on success
}

// Result aggregates per-item outcomes. One file's failure never aborts its
// siblings.
type Result struct {
	SuccessCount int
	FailedCount  int
	Details      []ItemResult
}

// DefaultConcurrency bounds how many files move at once in a batch.
const DefaultConcurrency = 3

// Engine executes cross-storage transfers.
type Engine struct {
	client      *http.Client
	concurrency int
}

// New creates an Engine. A nil client uses a long-timeout default suited to
// large object transfers.
func New(client *http.Client, concurrency int) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Engine{client: client, concurrency: concurrency}
}

// TransferFile pipes one presigned GET response body directly into a
// presigned PUT request body.
func (e *Engine) TransferFile(ctx context.Context, item Item) error {
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, item.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	getResp, err := e.client.Do(getReq)
	if err != nil {
		return fmt.Errorf("download %s: %w", item.FileName, err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode < 200 || getResp.StatusCode >= 300 {
		return fmt.Errorf("download %s: status %d", item.FileName, getResp.StatusCode)
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, item.UploadURL, getResp.Body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	putReq.ContentLength = getResp.ContentLength
	if item.ContentType != "" {
		putReq.Header.Set("Content-Type", item.ContentType)
	}

	putResp, err := e.client.Do(putReq)
	if err != nil {
		return fmt.Errorf("upload %s: %w", item.FileName, err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode < 200 || putResp.StatusCode >= 300 {
		return fmt.Errorf("upload %s: status %d", item.FileName, putResp.StatusCode)
	}

	return nil
}

// Transfer moves a batch of files with bounded concurrency, capturing every
// item's outcome.
func (e *Engine) Transfer(ctx context.Context, items []Item) *Result {
	res := &Result{Details: make([]ItemResult, len(items))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			err := e.TransferFile(gctx, item)
			res.Details[i] = ItemResult{FileName: item.FileName}
			if err != nil {
				res.Details[i].Err = err.Error()
				metrics.RecordTransfer(false)
				logging.Warn("cross-storage transfer failed",
					zap.String("file", item.FileName), zap.Error(err))
			} else {
				metrics.RecordTransfer(true)
			}
			// Per-file failures are recorded, never propagated, so one
			// file cannot cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range res.Details {
		if d.Err == "" {
			res.SuccessCount++
		} else {
			res.FailedCount++
		}
	}
	return res
}
