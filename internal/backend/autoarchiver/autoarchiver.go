// Package autoarchiver runs an external general-purpose web archiver as a
// subprocess and collects what it wrote.
//
// The archiver is invoked with argv only (the URL is untrusted and never
// reaches a shell) and with its working directory set to the capture's
// scratch directory, so it writes db.csv and its output folder there.
package autoarchiver

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/jsonscan"
)

const (
	defaultBinary    = "auto-archiver"
	defaultTimeout   = time.Hour
	defaultOutputDir = "auto_archiver"
	defaultDBFile    = "db.csv"
	metadataColumn   = "metadata"
	// outputTailBytes bounds how much subprocess output is logged on failure.
	outputTailBytes = 2048
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, dir, binary string, args []string) ([]byte, error)
}

// Option configures the backend.
type Option func(*Backend)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(b *Backend) {
		if exec != nil {
			b.exec = exec
		}
	}
}

// Config controls the archiver invocation.
type Config struct {
	Binary     string
	ConfigPath string
	Timeout    time.Duration
	// OutputDir is the folder, relative to the scratch directory, the
	// archiver's local storage writes into.
	OutputDir string
	// DBFile is the CSV database, relative to the scratch directory.
	DBFile string
}

// Backend implements archive.Backend by shelling out to the archiver.
type Backend struct {
	cfg    Config
	exec   Executor
	logger *zap.Logger
}

// New constructs the backend.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Backend {
	cfg.Binary = strings.TrimSpace(cfg.Binary)
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaultOutputDir
	}
	if cfg.DBFile == "" {
		cfg.DBFile = defaultDBFile
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{cfg: cfg, exec: commandExecutor{}, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID implements archive.Backend.
func (b *Backend) ID() archive.BackendID {
	return archive.BackendAutoArchiver
}

// WithConfigPath returns a copy of the backend that uses path as the
// archiver configuration. An empty path keeps the current one.
func (b *Backend) WithConfigPath(path string) archive.Backend {
	if strings.TrimSpace(path) == "" {
		return b
	}
	clone := *b
	clone.cfg.ConfigPath = path
	return &clone
}

// Enabled reports whether a configuration file has been set.
func (b *Backend) Enabled() bool {
	return strings.TrimSpace(b.cfg.ConfigPath) != ""
}

// Preflight verifies the configuration file exists.
func (b *Backend) Preflight(_ context.Context) error {
	if !b.Enabled() {
		return fmt.Errorf("%w: auto archiver config not set", archive.ErrPrecondition)
	}
	info, err := os.Stat(b.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("%w: auto archiver config %s: %v", archive.ErrPrecondition, b.cfg.ConfigPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: auto archiver config %s is a directory", archive.ErrPrecondition, b.cfg.ConfigPath)
	}
	return nil
}

// Capture runs the archiver for url inside scratchDir.
func (b *Backend) Capture(ctx context.Context, url string, scratchDir string) (archive.BackendResult, error) {
	start := time.Now()
	logger := b.logger.With(zap.String("url", url))

	if err := b.Preflight(ctx); err != nil {
		return archive.Failed(archive.BackendAutoArchiver, err), err
	}
	configPath, err := filepath.Abs(b.cfg.ConfigPath)
	if err != nil {
		err = fmt.Errorf("%w: resolve config path: %v", archive.ErrPrecondition, err)
		return archive.Failed(archive.BackendAutoArchiver, err), err
	}
	outputDir := filepath.Join(scratchDir, b.cfg.OutputDir)
	if _, err := os.Stat(outputDir); err == nil {
		err = fmt.Errorf("%w: %s", archive.ErrScratchExists, outputDir)
		return archive.Failed(archive.BackendAutoArchiver, err), err
	}
	dbPath := filepath.Join(scratchDir, b.cfg.DBFile)
	if err := os.Remove(dbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		err = fmt.Errorf("%w: remove stale %s: %v", archive.ErrPrecondition, dbPath, err)
		return archive.Failed(archive.BackendAutoArchiver, err), err
	}
	if err := os.Mkdir(outputDir, 0o750); err != nil {
		err = fmt.Errorf("%w: create %s: %v", archive.ErrPrecondition, outputDir, err)
		return archive.Failed(archive.BackendAutoArchiver, err), err
	}

	fail := func(err error) (archive.BackendResult, error) {
		logger.Warn("auto archive failed", zap.Error(err))
		res := archive.Failed(archive.BackendAutoArchiver, err)
		res.Duration = time.Since(start)
		return res, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	args := []string{"--config", configPath, "--cli_feeder.urls=" + url}
	output, err := b.exec.Run(runCtx, scratchDir, b.cfg.Binary, args)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Errorf("auto archiver timed out after %s", b.cfg.Timeout))
		}
		logger.Debug("auto archiver output", zap.String("tail", tail(output)))
		return fail(fmt.Errorf("auto archiver run: %w", err))
	}

	metadata, err := readMetadata(dbPath)
	if err != nil {
		return fail(err)
	}
	files, err := collectFiles(outputDir)
	if err != nil {
		return fail(err)
	}

	logger.Info("auto archive complete",
		zap.Int("files", len(files)),
		zap.Duration("duration", time.Since(start)),
	)
	return archive.BackendResult{
		Backend:     archive.BackendAutoArchiver,
		Succeeded:   true,
		Files:       files,
		ContentInfo: jsonscan.FindObjects(metadata),
		Duration:    time.Since(start),
	}, nil
}

// readMetadata returns the metadata column of the first row of the CSV database.
func readMetadata(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open archiver database: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	header, err := reader.Read()
	if err != nil {
		return "", fmt.Errorf("read archiver database header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) == metadataColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return "", fmt.Errorf("archiver database has no %q column", metadataColumn)
	}
	row, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return "", errors.New("archiver database has no rows")
	}
	if err != nil {
		return "", fmt.Errorf("read archiver database row: %w", err)
	}
	if col >= len(row) {
		return "", nil
	}
	return row[col], nil
}

// collectFiles lists every regular file below dir in lexical order.
func collectFiles(dir string) ([]archive.ProducedFile, error) {
	var files []archive.ProducedFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		files = append(files, archive.ProducedFile{Path: path, Kind: archive.KindMedia})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archiver output: %w", err)
	}
	return files, nil
}

func tail(output []byte) string {
	output = bytes.TrimSpace(output)
	if len(output) > outputTailBytes {
		output = output[len(output)-outputTailBytes:]
	}
	return string(output)
}

// commandExecutor executes commands using os/exec.
type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, dir, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s: %w", binary, err)
	}
	return output, nil
}

var _ archive.Backend = (*Backend)(nil)
