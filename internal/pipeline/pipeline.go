// Package pipeline accepts batches, runs them in the background and answers
// status queries. A request is failed only when the run itself breaks; image
// and product failures are recorded in the results of a completed request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"imagebatch/internal/executor"
	"imagebatch/internal/models"
	"imagebatch/internal/notify"
	"imagebatch/internal/outputs"
	"imagebatch/internal/storage"
)

//go:generate mockgen -destination=mocks/mock_pipeline.go -package=mock_pipeline imagebatch/internal/pipeline Executor,Notifier,Publisher

type Executor interface {
	Run(ctx context.Context, job executor.Job, productIndex int, record models.Record) models.ProductResult
}

type Notifier interface {
	Notify(ctx context.Context, webhookURL string, payload notify.Payload) error
}

type Publisher interface {
	Publish(ctx context.Context, payload notify.Payload) error
}

// finalizeTimeout bounds terminal writes and notifications, which run on a
// context detached from the request so a cancelled run can still record it.
const finalizeTimeout = 30 * time.Second

var ErrShutdown = errors.New("pipeline is shut down")

type Config struct {
	TempDir        string
	Concurrency    int
	RequestTimeout time.Duration
}

type Option func(*Pipeline)

func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

type Pipeline struct {
	store     storage.Store
	outputs   outputs.Storage
	executor  Executor
	notifier  Notifier
	publisher Publisher
	config    Config

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(store storage.Store, out outputs.Storage, exec Executor, config Config, opts ...Option) *Pipeline {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		store:    store,
		outputs:  out,
		executor: exec,
		config:   config,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateRequest stores a pending request and schedules it. It returns as soon
// as the request is persisted.
func (p *Pipeline) CreateRequest(ctx context.Context, records []models.Record, webhookURL string) (string, error) {
	const op = "pipeline.CreateRequest"

	if len(records) == 0 {
		return "", models.NewError(models.KindEmptyBatch, op, errors.New("no product records"))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", fmt.Errorf("%s: %w", op, ErrShutdown)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	req := models.Request{
		ID:          uuid.NewString(),
		Status:      models.RequestPending,
		SubmittedAt: time.Now().UTC(),
		WebhookURL:  webhookURL,
	}
	req.Products = models.Request{Products: records}.Clone().Products

	if err := p.store.Create(ctx, req); err != nil {
		p.wg.Done()
		return "", fmt.Errorf("%s: %w", op, err)
	}

	go p.run(req)

	log.Printf("request %s accepted: %d products", req.ID, len(req.Products))
	return req.ID, nil
}

func (p *Pipeline) GetStatus(ctx context.Context, id string) (models.Request, error) {
	return p.store.Get(ctx, id)
}

// Shutdown stops accepting requests, cancels running ones and waits for them
// to record their terminal state.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run(req models.Request) {
	defer p.wg.Done()

	ctx := p.baseCtx
	if p.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RequestTimeout)
		defer cancel()
	}

	// a deadline that passes after every product finished does not fail the run
	results, err := p.process(ctx, req)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err != nil {
		log.Printf("request %s failed: %v", req.ID, err)
		err = p.finish(finalCtx, req.ID, models.RequestFailed, nil, err)
	} else {
		log.Printf("request %s completed: %d products", req.ID, len(results))
		err = p.finish(finalCtx, req.ID, models.RequestCompleted, results, nil)
	}
	if err != nil {
		log.Printf("request %s: skipping notification: %v", req.ID, err)
		return
	}

	p.dispatch(finalCtx, req)
}

// process runs every product and returns the results in submission order.
func (p *Pipeline) process(ctx context.Context, req models.Request) ([]models.ProductResult, error) {
	const op = "pipeline.process"

	started := time.Now().UTC()
	err := p.store.Update(ctx, req.ID, func(r *models.Request) error {
		r.Status = models.RequestProcessing
		r.StartedAt = &started
		return nil
	})
	if err != nil {
		return nil, asStoreFailure(op, err)
	}

	workspace, err := os.MkdirTemp(p.config.TempDir, "request-"+req.ID+"-")
	if err != nil {
		return nil, models.NewError(models.KindWorkspaceFailure, op, err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			log.Printf("request %s: failed to remove workspace %s: %v", req.ID, workspace, err)
		}
	}()

	if err := p.outputs.Prepare(ctx, req.ID); err != nil {
		if models.KindOf(err) != models.KindWorkspaceFailure {
			err = models.NewError(models.KindWorkspaceFailure, op, err)
		}
		return nil, err
	}

	job := executor.Job{RequestID: req.ID, Workspace: workspace}
	progress := newProgress(len(req.Products))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for i, record := range req.Products {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result := p.executor.Run(gctx, job, i, record)
			if err := gctx.Err(); err != nil {
				return err
			}
			return progress.record(i, result, func(prefix []models.ProductResult, processed int) error {
				err := p.store.Update(gctx, req.ID, func(r *models.Request) error {
					r.Results = prefix
					r.ProcessedProducts = processed
					return nil
				})
				return asStoreFailure(op, err)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return progress.results, nil
}

// finish records the terminal state. Notifications must not go out when it
// fails, since the store would still report the request as running.
func (p *Pipeline) finish(ctx context.Context, id string, status models.RequestStatus, results []models.ProductResult, cause error) error {
	const op = "pipeline.finish"

	completed := time.Now().UTC()
	err := p.store.Update(ctx, id, func(r *models.Request) error {
		r.Status = status
		r.CompletedAt = &completed
		r.Results = results
		if status == models.RequestCompleted {
			r.ProcessedProducts = len(results)
		}
		if cause != nil {
			r.Error = cause.Error()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: record %s state: %w", op, status, err)
	}
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, req models.Request) {
	if req.WebhookURL == "" && p.publisher == nil {
		return
	}

	final, err := p.store.Get(ctx, req.ID)
	if err != nil {
		log.Printf("request %s: failed to load final state for notification: %v", req.ID, err)
		return
	}
	if !final.Status.Terminal() {
		log.Printf("request %s: not notifying, status is still %s", req.ID, final.Status)
		return
	}
	payload := notify.NewPayload(final)

	if req.WebhookURL != "" && p.notifier != nil {
		if err := p.notifier.Notify(ctx, req.WebhookURL, payload); err != nil {
			log.Printf("request %s: webhook %s failed: %v", req.ID, req.WebhookURL, err)
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, payload); err != nil {
			log.Printf("request %s: failed to publish event: %v", req.ID, err)
		}
	}
}

func asStoreFailure(op string, err error) error {
	if err == nil || models.KindOf(err) == models.KindStoreFailure {
		return err
	}
	return models.NewError(models.KindStoreFailure, op, err)
}
