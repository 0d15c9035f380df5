package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagebatch/internal/executor"
	"imagebatch/internal/models"
	"imagebatch/internal/notify"
	"imagebatch/internal/outputs"
	mock_pipeline "imagebatch/internal/pipeline/mocks"
	"imagebatch/internal/storage"
)

type testEnv struct {
	pipeline *Pipeline
	store    *storage.Memory
	outputs  *outputs.Local
	executor *mock_pipeline.MockExecutor
}

func newTestEnv(t *testing.T, config Config, opts ...Option) testEnv {
	t.Helper()
	mockCtrl := gomock.NewController(t)

	out, err := outputs.NewLocal(t.TempDir())
	require.NoError(t, err)
	if config.TempDir == "" {
		config.TempDir = t.TempDir()
	}

	store := storage.NewMemory()
	exec := mock_pipeline.NewMockExecutor(mockCtrl)
	p := New(store, out, exec, config, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, p.Shutdown(ctx))
	})

	return testEnv{pipeline: p, store: store, outputs: out, executor: exec}
}

func records(n int) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		out[i] = models.Record{
			ProductName: fmt.Sprintf("product-%d", i),
			ImageURLs:   []string{fmt.Sprintf("https://img.example.com/%d.png", i)},
		}
	}
	return out
}

func resultFor(record models.Record, status models.ImageStatus) models.ProductResult {
	outcome := models.ImageOutcome{SourceURL: record.ImageURLs[0], Status: status, Attempts: 1}
	if status == models.ImageSuccess {
		outcome.OutputRef = "/out/" + record.ProductName
	} else {
		outcome.Error = "DownloadFailure (status 404)"
		outcome.ErrorKind = models.KindDownloadFailure
	}
	outcomes := []models.ImageOutcome{outcome}
	return models.ProductResult{
		ProductName: record.ProductName,
		ImageURLs:   record.ImageURLs,
		Outcomes:    outcomes,
		Status:      models.ProductStatusOf(outcomes),
	}
}

func succeed(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
	return resultFor(record, models.ImageSuccess)
}

func waitForTerminal(t *testing.T, p *Pipeline, id string) models.Request {
	t.Helper()
	var req models.Request
	require.Eventually(t, func() bool {
		var err error
		req, err = p.GetStatus(context.Background(), id)
		return err == nil && req.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return req
}

func TestPipeline_CreateRequest_ShouldRejectEmptyBatch(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.pipeline.CreateRequest(context.Background(), nil, "")

	assert.True(t, errors.Is(err, models.ErrEmptyBatch))
}

func TestPipeline_GetStatus_ShouldReturnNotFoundForUnknownID(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.pipeline.GetStatus(context.Background(), "does-not-exist")

	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestPipeline_CreateRequest_ShouldReturnBeforeProcessingFinishes(t *testing.T) {
	env := newTestEnv(t, Config{})
	release := make(chan struct{})
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), 0, gomock.Any()).DoAndReturn(
		func(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
			<-release
			return resultFor(record, models.ImageSuccess)
		})

	id, err := env.pipeline.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)

	req, err := env.pipeline.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, []models.RequestStatus{models.RequestPending, models.RequestProcessing}, req.Status)
	assert.Empty(t, req.Results)

	close(release)
	req = waitForTerminal(t, env.pipeline, id)
	assert.Equal(t, models.RequestCompleted, req.Status)
	assert.NotNil(t, req.CompletedAt)
}

func TestPipeline_ShouldIssueDistinctIDs(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(succeed).Times(2)

	first, err := env.pipeline.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)
	second, err := env.pipeline.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	waitForTerminal(t, env.pipeline, first)
	waitForTerminal(t, env.pipeline, second)
}

func TestPipeline_ShouldKeepSubmissionOrder(t *testing.T) {
	env := newTestEnv(t, Config{Concurrency: 3})
	input := records(6)
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
			// earlier products finish later
			time.Sleep(time.Duration(len(input)-i) * 5 * time.Millisecond)
			return resultFor(record, models.ImageSuccess)
		}).Times(len(input))

	id, err := env.pipeline.CreateRequest(context.Background(), input, "")
	require.NoError(t, err)
	req := waitForTerminal(t, env.pipeline, id)

	assert.Equal(t, models.RequestCompleted, req.Status)
	require.Len(t, req.Results, len(input))
	for i, res := range req.Results {
		assert.Equal(t, input[i].ProductName, res.ProductName)
		assert.Equal(t, input[i].ImageURLs, res.ImageURLs)
	}
	assert.Equal(t, len(input), req.ProcessedProducts)
}

func TestPipeline_ShouldCompleteWithPartialFailures(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), 0, gomock.Any()).DoAndReturn(succeed)
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), 1, gomock.Any()).DoAndReturn(
		func(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
			return resultFor(record, models.ImageFailed)
		})

	id, err := env.pipeline.CreateRequest(context.Background(), records(2), "")
	require.NoError(t, err)
	req := waitForTerminal(t, env.pipeline, id)

	assert.Equal(t, models.RequestCompleted, req.Status)
	assert.Empty(t, req.Error)
	require.Len(t, req.Results, 2)
	assert.Equal(t, models.ProductSuccess, req.Results[0].Status)
	assert.Equal(t, models.ProductFailed, req.Results[1].Status)
}

func TestPipeline_ShouldPassJobContextToExecutor(t *testing.T) {
	env := newTestEnv(t, Config{})
	var seen executor.Job
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), 0, gomock.Any()).DoAndReturn(
		func(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
			seen = job
			info, err := os.Stat(job.Workspace)
			assert.NoError(t, err)
			assert.True(t, info.IsDir())
			return resultFor(record, models.ImageSuccess)
		})

	id, err := env.pipeline.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)
	waitForTerminal(t, env.pipeline, id)

	assert.Equal(t, id, seen.RequestID)
	_, err = os.Stat(seen.Workspace)
	assert.True(t, os.IsNotExist(err), "workspace must be removed after the run")
}

func TestPipeline_ShouldFailWhenWorkspaceCannotBeAllocated(t *testing.T) {
	env := newTestEnv(t, Config{TempDir: filepath.Join(t.TempDir(), "missing", "dir")})

	id, err := env.pipeline.CreateRequest(context.Background(), records(2), "")
	require.NoError(t, err)
	req := waitForTerminal(t, env.pipeline, id)

	assert.Equal(t, models.RequestFailed, req.Status)
	assert.Empty(t, req.Results)
	assert.Contains(t, req.Error, string(models.KindWorkspaceFailure))
	_, err = os.Stat(env.outputs.RequestDir(id))
	assert.True(t, os.IsNotExist(err))
}

func TestPipeline_ShouldFailWhenOutputNamespaceCannotBePrepared(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	base := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o644))
	out, err := outputs.NewLocal(base)
	require.NoError(t, err)
	p := New(storage.NewMemory(), out, mock_pipeline.NewMockExecutor(mockCtrl), Config{TempDir: t.TempDir()})
	defer p.Shutdown(context.Background())

	id, err := p.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)
	req := waitForTerminal(t, p, id)

	assert.Equal(t, models.RequestFailed, req.Status)
	assert.Contains(t, req.Error, string(models.KindWorkspaceFailure))
}

func TestPipeline_ShouldExposeOnlyFinishedPrefix(t *testing.T) {
	env := newTestEnv(t, Config{Concurrency: 2})
	releaseFirst := make(chan struct{})
	secondDone := make(chan struct{})
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), 0, gomock.Any()).DoAndReturn(
		func(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
			<-releaseFirst
			return resultFor(record, models.ImageSuccess)
		})
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), 1, gomock.Any()).DoAndReturn(
		func(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
			defer close(secondDone)
			return resultFor(record, models.ImageSuccess)
		})

	id, err := env.pipeline.CreateRequest(context.Background(), records(2), "")
	require.NoError(t, err)

	<-secondDone
	require.Eventually(t, func() bool {
		req, err := env.pipeline.GetStatus(context.Background(), id)
		return err == nil && req.ProcessedProducts == 1
	}, 5*time.Second, 5*time.Millisecond)
	req, err := env.pipeline.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RequestProcessing, req.Status)
	assert.Empty(t, req.Results)

	close(releaseFirst)
	req = waitForTerminal(t, env.pipeline, id)
	require.Len(t, req.Results, 2)
	assert.Equal(t, "product-0", req.Results[0].ProductName)
}

func TestPipeline_ShouldNotifyWebhookAndPublisher(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	notifier := mock_pipeline.NewMockNotifier(mockCtrl)
	publisher := mock_pipeline.NewMockPublisher(mockCtrl)
	env := newTestEnv(t, Config{}, WithNotifier(notifier), WithPublisher(publisher))
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(succeed)

	notified := make(chan notify.Payload, 1)
	published := make(chan notify.Payload, 1)
	notifier.EXPECT().Notify(gomock.Any(), "https://hooks.example.com/done", gomock.Any()).DoAndReturn(
		func(ctx context.Context, url string, payload notify.Payload) error {
			notified <- payload
			return errors.New("receiver down")
		})
	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, payload notify.Payload) error {
			published <- payload
			return nil
		})

	id, err := env.pipeline.CreateRequest(context.Background(), records(1), "https://hooks.example.com/done")
	require.NoError(t, err)

	payload := <-notified
	assert.Equal(t, id, payload.RequestID)
	assert.Equal(t, models.RequestCompleted, payload.Status)
	require.Len(t, payload.Products, 1)
	assert.Equal(t, id, (<-published).RequestID)

	req := waitForTerminal(t, env.pipeline, id)
	assert.Equal(t, models.RequestCompleted, req.Status, "webhook failure must not change status")
}

func TestPipeline_ShouldSkipWebhookWithoutURL(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	notifier := mock_pipeline.NewMockNotifier(mockCtrl)
	env := newTestEnv(t, Config{}, WithNotifier(notifier))
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(succeed)

	id, err := env.pipeline.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)

	assert.Equal(t, models.RequestCompleted, waitForTerminal(t, env.pipeline, id).Status)
}

func TestPipeline_Shutdown_ShouldFailRunningRequests(t *testing.T) {
	env := newTestEnv(t, Config{})
	started := make(chan struct{})
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
			close(started)
			<-ctx.Done()
			return resultFor(record, models.ImageFailed)
		})

	id, err := env.pipeline.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.pipeline.Shutdown(ctx))

	req, err := env.pipeline.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, req.Status)
	assert.Empty(t, req.Results)
	assert.Contains(t, req.Error, context.Canceled.Error())

	_, err = env.pipeline.CreateRequest(context.Background(), records(1), "")
	assert.True(t, errors.Is(err, ErrShutdown))
}

func TestPipeline_ShouldFailOnRequestTimeout(t *testing.T) {
	env := newTestEnv(t, Config{RequestTimeout: 20 * time.Millisecond})
	env.executor.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, job executor.Job, i int, record models.Record) models.ProductResult {
			<-ctx.Done()
			return resultFor(record, models.ImageFailed)
		})

	id, err := env.pipeline.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)
	req := waitForTerminal(t, env.pipeline, id)

	assert.Equal(t, models.RequestFailed, req.Status)
	assert.Empty(t, req.Results)
	assert.Contains(t, req.Error, context.DeadlineExceeded.Error())
}

type failingStore struct {
	*storage.Memory
	failAfter int
	updates   int
}

func (s *failingStore) Update(ctx context.Context, id string, fn func(*models.Request) error) error {
	s.updates++
	if s.updates > s.failAfter && s.updates <= s.failAfter+1 {
		return models.NewError(models.KindStoreFailure, "test", errors.New("connection lost"))
	}
	return s.Memory.Update(ctx, id, fn)
}

func TestPipeline_ShouldFailOnStoreFailureWhileProcessing(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	out, err := outputs.NewLocal(t.TempDir())
	require.NoError(t, err)
	exec := mock_pipeline.NewMockExecutor(mockCtrl)
	exec.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(succeed)
	// processing transition succeeds, the progress write fails
	store := &failingStore{Memory: storage.NewMemory(), failAfter: 1}
	p := New(store, out, exec, Config{TempDir: t.TempDir(), Concurrency: 1})
	defer p.Shutdown(context.Background())

	id, err := p.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)
	req := waitForTerminal(t, p, id)

	assert.Equal(t, models.RequestFailed, req.Status)
	assert.Empty(t, req.Results)
	assert.Contains(t, req.Error, string(models.KindStoreFailure))
}

func TestPipeline_ShouldNotNotifyWhenTerminalWriteFails(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	out, err := outputs.NewLocal(t.TempDir())
	require.NoError(t, err)
	exec := mock_pipeline.NewMockExecutor(mockCtrl)
	exec.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(succeed)
	// no Notify or Publish calls are expected
	notifier := mock_pipeline.NewMockNotifier(mockCtrl)
	publisher := mock_pipeline.NewMockPublisher(mockCtrl)
	// processing and progress writes succeed, the terminal write fails
	store := &failingStore{Memory: storage.NewMemory(), failAfter: 2}
	p := New(store, out, exec, Config{TempDir: t.TempDir(), Concurrency: 1}, WithNotifier(notifier), WithPublisher(publisher))
	defer p.Shutdown(context.Background())

	id, err := p.CreateRequest(context.Background(), records(1), "https://hooks.example.com/done")
	require.NoError(t, err)
	p.wg.Wait()

	req, err := p.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RequestProcessing, req.Status)
	assert.Equal(t, 3, store.updates)
}

// lingeringStore holds the progress write until its context expires, after
// the write itself has succeeded.
type lingeringStore struct {
	*storage.Memory
	updates int
}

func (s *lingeringStore) Update(ctx context.Context, id string, fn func(*models.Request) error) error {
	s.updates++
	if err := s.Memory.Update(ctx, id, fn); err != nil {
		return err
	}
	if s.updates == 2 {
		<-ctx.Done()
	}
	return nil
}

func TestPipeline_ShouldCompleteWhenDeadlinePassesAfterLastProduct(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	out, err := outputs.NewLocal(t.TempDir())
	require.NoError(t, err)
	exec := mock_pipeline.NewMockExecutor(mockCtrl)
	exec.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(succeed)
	store := &lingeringStore{Memory: storage.NewMemory()}
	p := New(store, out, exec, Config{TempDir: t.TempDir(), Concurrency: 1, RequestTimeout: 50 * time.Millisecond})
	defer p.Shutdown(context.Background())

	id, err := p.CreateRequest(context.Background(), records(1), "")
	require.NoError(t, err)
	req := waitForTerminal(t, p, id)

	assert.Equal(t, models.RequestCompleted, req.Status)
	require.Len(t, req.Results, 1)
	assert.Empty(t, req.Error)
}
