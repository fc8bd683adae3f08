// Package server runs the capture HTTP service: the API, the job queue, and
// the worker pool behind it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/api"
	"github.com/atlosdotorg/atlos/internal/clock/system"
	"github.com/atlosdotorg/atlos/internal/dispatcher"
	"github.com/atlosdotorg/atlos/internal/id/uuid"
	queueMemory "github.com/atlosdotorg/atlos/internal/queue/memory"
	memoryStorage "github.com/atlosdotorg/atlos/internal/storage/memory"
	"github.com/atlosdotorg/atlos/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Config controls the service.
type Config struct {
	Port           int
	APIKey         string
	RequestTimeout time.Duration
	Workers        int
	QueueDepth     int
	OutputRoot     string
}

// Server owns the HTTP listener and the worker pool.
type Server struct {
	cfg       Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queueMemory.Queue
}

// New wires the API to an in-memory queue and job store drained by a pool
// of workers running runner.
func New(cfg Config, runner worker.Runner, logger *zap.Logger, opts ...api.Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := queueMemory.NewQueue(cfg.QueueDepth)
	jobStore := memoryStorage.NewJobStore()
	workers := dispatcher.NewPool(cfg.Workers, queue, jobStore, runner, worker.Config{OutputRoot: cfg.OutputRoot}, logger.Named("worker"))
	dispatch := dispatcher.New(queue, jobStore, uuid.New(), system.New(), workers, logger.Named("dispatcher"))
	apiServer := api.NewServer(jobStore, dispatch, api.Config{
		APIKey:         cfg.APIKey,
		RequestTimeout: cfg.RequestTimeout,
	}, logger.Named("api"), opts...)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		apiServer: apiServer,
		dispatch:  dispatch,
		queue:     queue,
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.apiServer.Handler()
}

// Run listens on the configured port and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is canceled, then stops accepting
// work and waits for queued jobs to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		s.logger.Info("dispatcher started")
		s.dispatch.Run(context.WithoutCancel(ctx))
	}()

	srv := &http.Server{
		Handler:           s.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	<-ctx.Done()
	s.logger.Info("shutdown initiated")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	s.queue.Close()
	<-workersDone
	s.logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		errs = append(errs, err)
	default:
	}
	return errors.Join(errs...)
}
