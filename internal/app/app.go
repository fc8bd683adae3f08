// Package app builds and holds the long-lived services of the archiver, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/backend/autoarchiver"
	"github.com/atlosdotorg/atlos/internal/backend/direct"
	"github.com/atlosdotorg/atlos/internal/backend/render"
	"github.com/atlosdotorg/atlos/internal/clock/system"
	"github.com/atlosdotorg/atlos/internal/config"
	"github.com/atlosdotorg/atlos/internal/fingerprint"
	"github.com/atlosdotorg/atlos/internal/hash/perceptual"
	"github.com/atlosdotorg/atlos/internal/hash/sha256"
	"github.com/atlosdotorg/atlos/internal/id/uuid"
	"github.com/atlosdotorg/atlos/internal/materialize"
	"github.com/atlosdotorg/atlos/internal/pipeline"
	pubsubpublisher "github.com/atlosdotorg/atlos/internal/publisher/pubsub"
	"github.com/atlosdotorg/atlos/internal/storage/gcs"
	"github.com/atlosdotorg/atlos/internal/storage/postgres"
	"github.com/atlosdotorg/atlos/internal/telemetry"
)

const serviceName = "archiver"

// App holds the shared services built from one Config.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	pipeline *pipeline.Pipeline
	archiver *autoarchiver.Backend
	closers  []func() error
}

// New builds every service cfg enables. Optional integrations (GCS mirror,
// fingerprint index, Pub/Sub) are only dialed when configured.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing application services")

	exporter, err := telemetry.ExporterFor(cfg.Tracing.Exporter, logger.Named("tracing"))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	tp, err := telemetry.InitTracerProvider(ctx, serviceName, exporter)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		return tp.Shutdown(context.WithoutCancel(ctx))
	})

	opts := []pipeline.Option{
		pipeline.WithRunIDs(uuid.New()),
		pipeline.WithLogger(logger.Named("pipeline")),
	}

	if cfg.Direct.Enabled {
		opts = append(opts, pipeline.WithDirect(direct.New(direct.Config{
			UserAgent:    cfg.Direct.UserAgent,
			Timeout:      cfg.DirectTimeout(),
			MaxBodyBytes: cfg.Direct.MaxBodyBytes,
		}, logger.Named("direct"))))
	}

	if cfg.Render.Enabled {
		renderer, err := render.New(render.Config{
			MaxParallel: cfg.Render.MaxParallel,
			Timeout:     cfg.RenderTimeout(),
			SettleDelay: cfg.RenderSettleDelay(),
			Width:       cfg.Render.Width,
			Height:      cfg.Render.Height,
			UserAgent:   cfg.Render.UserAgent,
			DomainQPS:   cfg.Render.DomainQPS,
			ExecPath:    cfg.Render.ExecPath,
			NoSandbox:   cfg.Render.NoSandbox,
		}, logger.Named("render"))
		switch {
		case err == nil:
			a.closers = append(a.closers, func() error { renderer.Close(); return nil })
			opts = append(opts, pipeline.WithRender(renderer))
		case errors.Is(err, render.ErrRendererDisabled):
			logger.Warn("renderer disabled; continuing without page captures")
		default:
			return nil, a.fail(fmt.Errorf("init renderer: %w", err))
		}
	}

	a.archiver = autoarchiver.New(autoarchiver.Config{
		Binary:     cfg.AutoArchiver.Binary,
		ConfigPath: cfg.AutoArchiver.ConfigPath,
		Timeout:    cfg.AutoArchiverTimeout(),
	}, logger.Named("auto_archiver"))
	opts = append(opts, pipeline.WithArchiver(a.archiver))

	var matOpts []materialize.Option
	if cfg.Storage.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, a.fail(fmt.Errorf("init gcs client: %w", err))
		}
		a.closers = append(a.closers, client.Close)
		mirror, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			return nil, a.fail(fmt.Errorf("init gcs mirror: %w", err))
		}
		logger.Info("mirroring artifacts to gcs", zap.String("bucket", cfg.Storage.GCSBucket))
		matOpts = append(matOpts, materialize.WithMirror(mirror))
	}

	if cfg.DB.DSN != "" {
		store, err := postgres.NewFingerprintStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DBMaxConnLifetime(),
		})
		if err != nil {
			return nil, a.fail(fmt.Errorf("init fingerprint index: %w", err))
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, a.fail(fmt.Errorf("ensure fingerprint schema: %w", err))
		}
		opts = append(opts, pipeline.WithIndex(store))
	}

	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, a.fail(fmt.Errorf("init pubsub client: %w", err))
		}
		topic := client.Topic(cfg.PubSub.TopicName)
		a.closers = append(a.closers, func() error {
			topic.Stop()
			return client.Close()
		})
		opts = append(opts, pipeline.WithPublisher(pubsubpublisher.New(topic)))
	}

	engine := fingerprint.New(sha256.New(), perceptual.New(cfg.Fingerprint.FFmpegBinary, logger.Named("perceptual")))
	mat := materialize.New(uuid.NewRandom(), system.New(), logger.Named("materialize"), matOpts...)
	a.pipeline = pipeline.New(pipeline.Config{
		ScratchRoot: cfg.Output.ScratchRoot,
		Topic:       pubsubTopic(cfg),
	}, engine, mat, opts...)

	logger.Info("application services initialized",
		zap.Bool("direct", cfg.Direct.Enabled),
		zap.Bool("render", cfg.Render.Enabled),
		zap.Bool("auto_archiver", a.archiver.Enabled()),
		zap.Bool("fingerprint_index", cfg.DB.DSN != ""),
	)
	return a, nil
}

func pubsubTopic(cfg config.Config) string {
	if cfg.PubSub.TopicName == "" {
		return ""
	}
	return pipeline.EventCompleted
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the capture pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Capture runs one request through the pipeline.
func (a *App) Capture(ctx context.Context, req archive.CaptureRequest) (pipeline.Outcome, error) {
	return a.pipeline.Run(ctx, req)
}

// ArchiverReady checks the general archiver setup; a disabled archiver is ready.
func (a *App) ArchiverReady(ctx context.Context) error {
	if !a.archiver.Enabled() {
		return nil
	}
	return a.archiver.Preflight(ctx)
}

// Close releases every service in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		a.logger.Warn("cleanup after failed init", zap.Error(cerr))
	}
	return err
}
