// Package config loads and validates archiver configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ARCHIVER_RENDER_MAX_PARALLEL=4.
const EnvPrefix = "ARCHIVER"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Output       OutputConfig       `mapstructure:"output"`
	Direct       DirectConfig       `mapstructure:"direct"`
	Render       RenderConfig       `mapstructure:"render"`
	AutoArchiver AutoArchiverConfig `mapstructure:"auto_archiver"`
	Fingerprint  FingerprintConfig  `mapstructure:"fingerprint"`
	Batch        BatchConfig        `mapstructure:"batch"`
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Export       ExportConfig       `mapstructure:"export"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// OutputConfig locates run output and scratch space.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	ScratchRoot string `mapstructure:"scratch_root"`
}

// DirectConfig configures the single-request fetcher.
type DirectConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// RenderConfig configures the headless browser capture.
type RenderConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	MaxParallel        int     `mapstructure:"max_parallel"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	SettleDelaySeconds int     `mapstructure:"settle_delay_seconds"`
	Width              int     `mapstructure:"width"`
	Height             int     `mapstructure:"height"`
	UserAgent          string  `mapstructure:"user_agent"`
	DomainQPS          float64 `mapstructure:"domain_qps"`
	ExecPath           string  `mapstructure:"exec_path"`
	NoSandbox          bool    `mapstructure:"no_sandbox"`
}

// AutoArchiverConfig configures the general archiver subprocess. An empty
// ConfigPath disables the backend.
type AutoArchiverConfig struct {
	Binary         string `mapstructure:"binary"`
	ConfigPath     string `mapstructure:"config_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// FingerprintConfig configures perceptual hashing.
type FingerprintConfig struct {
	FFmpegBinary string `mapstructure:"ffmpeg_binary"`
}

// BatchConfig controls the worker pool used by batch and serve.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig sets the optional GCS mirror for materialized files.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the fingerprint index. An empty DSN disables it.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ExportConfig configures the case-management export.
type ExportConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Concurrency    int    `mapstructure:"concurrency"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// TracingConfig selects where finished spans go: "none" keeps tracing to
// context propagation, "log" writes each span through the logger.
type TracingConfig struct {
	Exporter string `mapstructure:"exporter"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return Decode(v)
}

// New returns a Viper instance with defaults and environment overrides set,
// ready for flags to be bound onto it.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("output.dir", "archive")
	v.SetDefault("output.scratch_root", "")
	v.SetDefault("direct.enabled", true)
	v.SetDefault("direct.user_agent", "")
	v.SetDefault("direct.timeout_seconds", 10)
	v.SetDefault("direct.max_body_bytes", 0)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.timeout_seconds", 180)
	v.SetDefault("render.settle_delay_seconds", 5)
	v.SetDefault("render.width", 1600)
	v.SetDefault("render.height", 1200)
	v.SetDefault("render.user_agent", "")
	v.SetDefault("render.domain_qps", 0)
	v.SetDefault("render.exec_path", "")
	v.SetDefault("render.no_sandbox", false)
	v.SetDefault("auto_archiver.binary", "auto-archiver")
	v.SetDefault("auto_archiver.config_path", "")
	v.SetDefault("auto_archiver.timeout_seconds", 3600)
	v.SetDefault("fingerprint.ffmpeg_binary", "ffmpeg")
	v.SetDefault("batch.concurrency", 20)
	v.SetDefault("batch.queue_depth", 256)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "captures")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "artifact_fingerprints")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("export.base_url", "https://platform.atlos.org")
	v.SetDefault("export.api_key", "")
	v.SetDefault("export.concurrency", 20)
	v.SetDefault("export.timeout_seconds", 60)
	v.SetDefault("tracing.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Direct.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("direct.timeout_seconds must be > 0"))
	}
	if c.Render.Enabled && c.Render.MaxParallel <= 0 {
		errs = append(errs, errors.New("render.max_parallel must be > 0 when render is enabled"))
	}
	if c.Render.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("render.timeout_seconds must be > 0"))
	}
	if c.Render.Width <= 0 || c.Render.Height <= 0 {
		errs = append(errs, errors.New("render.width and render.height must be > 0"))
	}
	if c.Render.DomainQPS < 0 {
		errs = append(errs, errors.New("render.domain_qps must be >= 0"))
	}
	if c.AutoArchiver.ConfigPath != "" && c.AutoArchiver.Binary == "" {
		errs = append(errs, errors.New("auto_archiver.binary must be set when auto_archiver.config_path is"))
	}
	if c.AutoArchiver.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("auto_archiver.timeout_seconds must be > 0"))
	}
	if c.Batch.Concurrency <= 0 {
		errs = append(errs, errors.New("batch.concurrency must be > 0"))
	}
	if c.Batch.QueueDepth < 0 {
		errs = append(errs, errors.New("batch.queue_depth must be >= 0"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id must be set when pubsub.topic_name is"))
	}
	if c.Export.Concurrency <= 0 {
		errs = append(errs, errors.New("export.concurrency must be > 0"))
	}
	switch c.Tracing.Exporter {
	case "", "none", "log":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter must be none or log, got %q", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}

// DirectTimeout is the per-request budget of the direct fetcher.
func (c Config) DirectTimeout() time.Duration {
	return time.Duration(c.Direct.TimeoutSeconds) * time.Second
}

// RenderTimeout is the per-capture budget of the renderer.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSeconds) * time.Second
}

// RenderSettleDelay is the wait after navigation before capturing.
func (c Config) RenderSettleDelay() time.Duration {
	return time.Duration(c.Render.SettleDelaySeconds) * time.Second
}

// AutoArchiverTimeout bounds one archiver subprocess.
func (c Config) AutoArchiverTimeout() time.Duration {
	return time.Duration(c.AutoArchiver.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds one API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// DBMaxConnLifetime is the pool connection lifetime.
func (c Config) DBMaxConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}

// ExportTimeout bounds one export HTTP request.
func (c Config) ExportTimeout() time.Duration {
	return time.Duration(c.Export.TimeoutSeconds) * time.Second
}
