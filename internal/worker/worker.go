// Package worker implements the capture job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/metrics"
	"github.com/atlosdotorg/atlos/internal/pipeline"
)

// Runner executes one capture. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, req archive.CaptureRequest) (pipeline.Outcome, error)
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, req archive.CaptureRequest) (pipeline.Outcome, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req archive.CaptureRequest) (pipeline.Outcome, error) {
	return f(ctx, req)
}

// Config controls Worker behavior.
type Config struct {
	// OutputRoot is the parent of per-job output directories for jobs that
	// did not name one.
	OutputRoot string
}

// Worker consumes queued jobs and runs each through the pipeline.
type Worker struct {
	queue    archive.Queue
	jobStore archive.JobStore
	runner   Runner
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue archive.Queue,
	jobStore archive.JobStore,
	runner Runner,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		jobStore: jobStore,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, archive.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID))
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job archive.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("job_id", job.ID))
	if w.runner == nil {
		logger.Error("no capture runner configured")
		w.finish(ctx, logger, job.ID, archive.JobStatusFailed, "no capture runner configured")
		return
	}
	if err := w.jobStore.UpdateJobStatus(ctx, job.ID, archive.JobStatusRunning, ""); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		return
	}

	req := job.Request
	if req.OutputDir == "" {
		req.OutputDir = w.OutputDirFor(job.ID)
	}
	outcome, err := w.runner.Run(ctx, req)
	if err != nil {
		logger.Error("capture failed", zap.Error(err))
		w.finish(ctx, logger, job.ID, archive.JobStatusFailed, err.Error())
		return
	}

	if err := w.jobStore.RecordReport(ctx, job.ID, outcome.Report); err != nil {
		logger.Error("record report failed", zap.Error(err))
	}
	status, errText := deriveFinalStatus(outcome)
	w.finish(ctx, logger, job.ID, status, errText)
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.String("run_id", outcome.RunID),
		zap.Int("artifacts", len(outcome.Report.Artifacts)),
	)
}

// OutputDirFor returns the output directory used for a job without one.
func (w *Worker) OutputDirFor(jobID string) string {
	return filepath.Join(w.cfg.OutputRoot, jobID)
}

func (w *Worker) finish(ctx context.Context, logger *zap.Logger, jobID string, status archive.JobStatus, errText string) {
	if err := w.jobStore.UpdateJobStatus(ctx, jobID, status, errText); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
}

func deriveFinalStatus(outcome pipeline.Outcome) (archive.JobStatus, string) {
	if outcome.AllFailed() {
		return archive.JobStatusFailed, fmt.Sprintf("all %d backends failed", len(outcome.Report.BackendStatus))
	}
	return archive.JobStatusSucceeded, ""
}
