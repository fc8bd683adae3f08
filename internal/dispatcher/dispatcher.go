// Package dispatcher manages worker fan-out over the capture job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/worker"
)

// DefaultPoolSize is the worker count used when none is configured.
const DefaultPoolSize = 20

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    archive.Queue
	jobStore archive.JobStore
	ids      archive.IDGenerator
	clock    archive.Clock
	workers  []*worker.Worker
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue archive.Queue,
	jobStore archive.JobStore,
	ids archive.IDGenerator,
	clock archive.Clock,
	workers []*worker.Worker,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		jobStore: jobStore,
		ids:      ids,
		clock:    clock,
		workers:  workers,
		logger:   logger,
	}
}

// NewPool builds size identical workers (DefaultPoolSize when size <= 0).
func NewPool(
	size int,
	queue archive.Queue,
	jobStore archive.JobStore,
	runner worker.Runner,
	cfg worker.Config,
	logger *zap.Logger,
) []*worker.Worker {
	if size <= 0 {
		size = DefaultPoolSize
	}
	workers := make([]*worker.Worker, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, worker.New(queue, jobStore, runner, cfg, logger.With(zap.Int("worker", i))))
	}
	return workers
}

// Run starts all workers and blocks until every worker has returned, which
// happens when the context finishes or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job archive.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Submit records a new queued job for req and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, req archive.CaptureRequest) (archive.Job, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return archive.Job{}, fmt.Errorf("job id: %w", err)
	}
	job := archive.Job{
		ID:        id,
		Request:   req,
		Status:    archive.JobStatusQueued,
		Submitted: d.clock.Now(),
	}
	if err := d.jobStore.CreateJob(ctx, job); err != nil {
		return archive.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := d.Enqueue(ctx, job); err != nil {
		if uerr := d.jobStore.UpdateJobStatus(ctx, id, archive.JobStatusFailed, err.Error()); uerr != nil {
			d.logger.Error("mark unqueued job failed", zap.String("job_id", id), zap.Error(uerr))
		}
		return archive.Job{}, err
	}
	return job, nil
}

// Close stops the queue; workers exit once it drains.
func (d *Dispatcher) Close() {
	d.queue.Close()
}
