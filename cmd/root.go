// Package cmd defines and implements the CLI commands of the archiver.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlosdotorg/atlos/internal/app"
	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/config"
	"github.com/atlosdotorg/atlos/internal/logging"
	"github.com/atlosdotorg/atlos/internal/pipeline"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const (
	appKey    appKeyType = "app"
	configKey appKeyType = "config"
	loggerKey appKeyType = "logger"

	// annotationNoApp marks commands that only need config and a logger.
	annotationNoApp = "no_app"
)

// App defines the services commands use. Tests inject a fake through newApp.
type App interface {
	Capture(ctx context.Context, req archive.CaptureRequest) (pipeline.Outcome, error)
	ArchiverReady(ctx context.Context) error
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// flagBinding maps a command flag onto a config key.
type flagBinding struct {
	flag string
	key  string
}

// session holds what PersistentPreRunE built so run can release it whether
// or not the command succeeded.
type session struct {
	app    App
	logger *zap.Logger
}

func (s *session) close() {
	if s.logger == nil {
		return
	}
	if s.app != nil {
		if err := s.app.Close(); err != nil {
			s.logger.Warn("failed to close application services", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

// errorLogger returns the session logger, or a console logger on w when the
// command failed before configuration produced one.
func (s *session) errorLogger(w io.Writer) *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.ErrorLevel))
}

// newRootCmd creates and configures the root command.
func newRootCmd() (*cobra.Command, *session) {
	var cfgFile string
	v := config.New()
	state := &session{}

	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Capture web resources and local files into a fingerprinted archive.",
		Long: `archiver preserves a URL (or a local file) by running a direct download,
a headless browser capture, and an external general-purpose archiver, then
writes every artifact with its SHA-256 and perceptual hashes next to a
consolidated metadata.json report.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Decode(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.Build(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return err
			}
			state.logger = logger
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)

			if cmd.Annotations[annotationNoApp] == "" {
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				state.app = appInstance
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML)")

	cmd.AddCommand(newCaptureCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newExportCmd())
	return cmd, state
}

// bindFlags binds every flag that declares a config key. Flags only override
// configuration when they were set on the command line.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := f.Annotations[configAnnotation]
		if !ok || len(key) == 0 || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key[0], f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

const configAnnotation = "config_key"

// bindConfig tags flag so its value overrides the config key.
func bindConfig(cmd *cobra.Command, b flagBinding) {
	_ = cmd.Flags().SetAnnotation(b.flag, configAnnotation, []string{b.key})
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func configFrom(ctx context.Context) config.Config {
	cfg, _ := ctx.Value(configKey).(config.Config)
	return cfg
}

func loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zap.NewNop()
}

// run executes the CLI with args and releases services afterwards.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd, state := newRootCmd()
	defer state.close()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		state.errorLogger(stderr).Error("command failed", zap.Error(err))
		return err
	}
	return nil
}

// Execute is the main entry point. It returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		return 1
	}
	return 0
}
