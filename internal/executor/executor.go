// Package executor runs one product: every image is fetched, compressed and
// stored in order, and a failure of one image never stops the others.
package executor

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/sethvargo/go-retry"

	"imagebatch/internal/models"
	"imagebatch/internal/outputs"
	"imagebatch/internal/transform"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mock_executor imagebatch/internal/executor Fetcher

type Fetcher interface {
	Fetch(ctx context.Context, url string, sink io.Writer) (int64, error)
}

type Compressor interface {
	Compress(raw []byte) (transform.Result, error)
}

// Job is the per-request context a product runs in.
type Job struct {
	RequestID string
	Workspace string
}

type Config struct {
	FetchRetries        int
	RetryBaseDelay      time.Duration
	MinReductionPercent float64
}

type Executor struct {
	fetcher    Fetcher
	compressor Compressor
	outputs    outputs.Storage
	config     Config
}

func New(fetcher Fetcher, compressor Compressor, out outputs.Storage, config Config) *Executor {
	if config.FetchRetries < 0 {
		config.FetchRetries = 0
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Executor{
		fetcher:    fetcher,
		compressor: compressor,
		outputs:    out,
		config:     config,
	}
}

// Run processes the product's images sequentially and always returns a result
// with one outcome per URL, in URL order.
func (e *Executor) Run(ctx context.Context, job Job, productIndex int, record models.Record) models.ProductResult {
	outcomes := make([]models.ImageOutcome, 0, len(record.ImageURLs))
	for imageIndex, url := range record.ImageURLs {
		outcome := e.processImage(ctx, job, productIndex, imageIndex, url)
		if outcome.Status == models.ImageFailed {
			log.Printf("request %s: product %d image %d (%s) failed: %s", job.RequestID, productIndex, imageIndex, url, outcome.Error)
		}
		outcomes = append(outcomes, outcome)
	}

	return models.ProductResult{
		ProductName: record.ProductName,
		ImageURLs:   append([]string(nil), record.ImageURLs...),
		Outcomes:    outcomes,
		Status:      models.ProductStatusOf(outcomes),
	}
}

func (e *Executor) processImage(ctx context.Context, job Job, productIndex, imageIndex int, url string) models.ImageOutcome {
	outcome := models.ImageOutcome{SourceURL: url}

	raw, attempts, err := e.download(ctx, job.Workspace, url)
	outcome.Attempts = attempts
	if err != nil {
		return failedOutcome(outcome, err)
	}
	outcome.OriginalSizeBytes = int64(len(raw))

	res, err := e.compressor.Compress(raw)
	if err != nil {
		return failedOutcome(outcome, err)
	}

	ref, err := e.outputs.Put(ctx, job.RequestID, productIndex, imageIndex, res.Data)
	if err != nil {
		return failedOutcome(outcome, err)
	}

	if res.Metrics.BelowThreshold(e.config.MinReductionPercent) {
		log.Printf("request %s: %s reduced by only %.1f%% (%d -> %d bytes)",
			job.RequestID, url, res.Metrics.ReductionPercent(),
			res.Metrics.OriginalSizeBytes, res.Metrics.CompressedSizeBytes)
	}

	outcome.Status = models.ImageSuccess
	outcome.OutputRef = ref
	outcome.CompressedSizeBytes = res.Metrics.CompressedSizeBytes
	return outcome
}

// download fetches url into a temp file in the workspace, retrying transient
// failures, and returns the bytes with the number of attempts made.
func (e *Executor) download(ctx context.Context, workspace, url string) ([]byte, int, error) {
	var (
		raw      []byte
		attempts int
		lastErr  error
	)

	backoff := retry.WithMaxRetries(uint64(e.config.FetchRetries), retry.NewExponential(e.config.RetryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		data, err := e.fetchOnce(ctx, workspace, url)
		if err != nil {
			lastErr = err
			if retryable(ctx, err) {
				return retry.RetryableError(err)
			}
			return err
		}
		raw = data
		return nil
	})
	if err != nil {
		// cancellation while waiting between attempts reports the last fetch error
		if lastErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, attempts, lastErr
		}
		if models.KindOf(err) == "" {
			err = models.NewError(models.KindTransportError, "executor.download", err)
		}
		return nil, attempts, err
	}
	return raw, attempts, nil
}

func (e *Executor) fetchOnce(ctx context.Context, workspace, url string) ([]byte, error) {
	const op = "executor.fetchOnce"

	file, err := os.CreateTemp(workspace, "input-*")
	if err != nil {
		return nil, models.NewError(models.KindWriteFailure, op, err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if _, err := e.fetcher.Fetch(ctx, url, file); err != nil {
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, models.NewError(models.KindWriteFailure, op, err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, models.NewError(models.KindWriteFailure, op, err)
	}
	return data, nil
}

// retryable reports whether a fetch error is transient: transport errors and
// 5xx or 429 responses. A done context is never retried.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var e *models.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case models.KindTransportError:
		return true
	case models.KindDownloadFailure:
		return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

func failedOutcome(outcome models.ImageOutcome, err error) models.ImageOutcome {
	outcome.Status = models.ImageFailed
	outcome.ErrorKind = models.KindOf(err)
	outcome.Error = err.Error()
	outcome.OutputRef = ""
	outcome.CompressedSizeBytes = 0
	return outcome
}
