package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/pipeline"
	queuememory "github.com/atlosdotorg/atlos/internal/queue/memory"
	"github.com/atlosdotorg/atlos/internal/storage/memory"
)

func TestWorker_ProcessJob_SuccessFlow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuememory.NewQueue(1)
	jobStore := memory.NewJobStore()
	runner := &fakeRunner{outcome: pipeline.Outcome{
		RunID:        "run-1",
		URLRequested: true,
		Report: archive.Report{
			Artifacts:       []archive.Artifact{{Kind: archive.KindPDF, File: "pdf_abcd1234.pdf"}},
			CrawlSuccessful: true,
			BackendStatus:   map[archive.BackendID]bool{archive.BackendRender: true, archive.BackendDirect: false},
		},
	}}
	submit(t, jobStore, queue, archive.Job{ID: "job-success", Request: archive.CaptureRequest{URL: "https://example.com"}})

	w := New(queue, jobStore, runner, Config{OutputRoot: "/data/captures"}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, "job-success") == archive.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	job, err := jobStore.GetJob(ctx, "job-success")
	require.NoError(t, err)
	require.NotNil(t, job.Report)
	require.Len(t, job.Report.Artifacts, 1)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)
	require.Equal(t, []string{filepath.Join("/data/captures", "job-success")}, runner.outputDirs())
}

func TestWorker_ProcessJob_KeepsExplicitOutputDir(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuememory.NewQueue(1)
	jobStore := memory.NewJobStore()
	runner := &fakeRunner{outcome: pipeline.Outcome{URLRequested: false}}
	submit(t, jobStore, queue, archive.Job{ID: "job-local", Request: archive.CaptureRequest{LocalFile: "/tmp/a.png", OutputDir: "/elsewhere"}})

	w := New(queue, jobStore, runner, Config{OutputRoot: "/data"}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, "job-local") == archive.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"/elsewhere"}, runner.outputDirs())
}

func TestWorker_ProcessJob_AllBackendsFailedMarksJobFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuememory.NewQueue(1)
	jobStore := memory.NewJobStore()
	runner := &fakeRunner{outcome: pipeline.Outcome{
		URLRequested: true,
		Report: archive.Report{
			Artifacts: []archive.Artifact{},
			BackendStatus: map[archive.BackendID]bool{
				archive.BackendDirect: false,
				archive.BackendRender: false,
			},
		},
	}}
	submit(t, jobStore, queue, archive.Job{ID: "job-dead", Request: archive.CaptureRequest{URL: "https://example.com"}})

	w := New(queue, jobStore, runner, Config{}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, "job-dead") == archive.JobStatusFailed
	}, time.Second, 10*time.Millisecond)
	job, err := jobStore.GetJob(ctx, "job-dead")
	require.NoError(t, err)
	require.Equal(t, "all 2 backends failed", job.ErrorText)
	require.NotNil(t, job.Report, "the report is kept even when every backend failed")
}

func TestWorker_ProcessJob_RunnerErrorMarksJobFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuememory.NewQueue(1)
	jobStore := memory.NewJobStore()
	runner := &fakeRunner{err: fmt.Errorf("%w: output locked", archive.ErrPrecondition)}
	submit(t, jobStore, queue, archive.Job{ID: "job-err", Request: archive.CaptureRequest{URL: "https://example.com"}})

	w := New(queue, jobStore, runner, Config{}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, "job-err") == archive.JobStatusFailed
	}, time.Second, 10*time.Millisecond)
	job, err := jobStore.GetJob(ctx, "job-err")
	require.NoError(t, err)
	require.Contains(t, job.ErrorText, "output locked")
	require.Nil(t, job.Report)
}

func TestWorker_NoRunnerFailsJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuememory.NewQueue(1)
	jobStore := memory.NewJobStore()
	submit(t, jobStore, queue, archive.Job{ID: "job-none", Request: archive.CaptureRequest{URL: "https://example.com"}})

	w := New(queue, jobStore, nil, Config{}, nil)
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, "job-none") == archive.JobStatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_RunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(1)
	w := New(queue, memory.NewJobStore(), &fakeRunner{}, Config{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	queue.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestWorker_DequeueErrorsAreRetried(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobStore := memory.NewJobStore()
	require.NoError(t, jobStore.CreateJob(ctx, archive.Job{ID: "job-flaky", Status: archive.JobStatusQueued}))
	queue := &flakyQueue{failures: 2, job: archive.Job{ID: "job-flaky", Request: archive.CaptureRequest{URL: "https://example.com"}}}
	runner := &fakeRunner{outcome: pipeline.Outcome{URLRequested: true, Report: archive.Report{
		BackendStatus: map[archive.BackendID]bool{archive.BackendDirect: true},
	}}}

	w := New(queue, jobStore, runner, Config{}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, "job-flaky") == archive.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerOutputDirFor(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, Config{OutputRoot: "out"}, nil)
	require.Equal(t, filepath.Join("out", "job-9"), w.OutputDirFor("job-9"))
}

// --- fakes ---

func submit(t *testing.T, store *memory.JobStore, queue archive.Queue, job archive.Job) {
	t.Helper()
	job.Status = archive.JobStatusQueued
	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, queue.Enqueue(context.Background(), job))
}

func jobStatus(t *testing.T, store *memory.JobStore, id string) archive.JobStatus {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

type fakeRunner struct {
	mu      sync.Mutex
	outcome pipeline.Outcome
	err     error
	dirs    []string
}

func (r *fakeRunner) Run(_ context.Context, req archive.CaptureRequest) (pipeline.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, req.OutputDir)
	return r.outcome, r.err
}

func (r *fakeRunner) outputDirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dirs...)
}

type flakyQueue struct {
	mu       sync.Mutex
	failures int
	job      archive.Job
	handed   bool
}

func (q *flakyQueue) Enqueue(context.Context, archive.Job) error { return nil }

func (q *flakyQueue) Dequeue(ctx context.Context) (archive.Job, error) {
	q.mu.Lock()
	if q.failures > 0 {
		q.failures--
		q.mu.Unlock()
		return archive.Job{}, errors.New("transient dequeue error")
	}
	if !q.handed {
		q.handed = true
		q.mu.Unlock()
		return q.job, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return archive.Job{}, fmt.Errorf("dequeue: %w", ctx.Err())
}

func (q *flakyQueue) Close() {}
