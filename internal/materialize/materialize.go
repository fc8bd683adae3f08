// Package materialize copies captured files into the output directory under
// collision-free names, writes a sidecar per artifact, and writes the run's
// consolidated report.
package materialize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/id/uuid"
	"github.com/atlosdotorg/atlos/internal/storage/local"
)

const (
	// ReportFile is the consolidated metadata document of a run.
	ReportFile    = "metadata.json"
	SidecarSuffix = ".metadata.json"
	lockFile      = ".archive.lock"

	titleFragmentLen = 20
	fallbackExt      = ".bin"
)

// idPrefixLens are tried in order until a name is free.
var idPrefixLens = []int{8, 12, 16, 0}

var unsafeTitleChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// ErrOutputLocked is returned when another process holds the output directory.
var ErrOutputLocked = fmt.Errorf("%w: output directory is locked by another run", archive.ErrPrecondition)

// Item is one file to materialize together with its fingerprints.
type Item struct {
	Path     string
	Backend  archive.BackendID
	Artifact archive.Artifact
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithMirror uploads every materialized object to store as well, under the
// run ID. Mirror failures are logged and never fail the run.
func WithMirror(store archive.BlobStore) Option {
	return func(m *Materializer) {
		m.mirror = store
	}
}

// Materializer owns naming and sidecar layout.
type Materializer struct {
	ids    archive.IDGenerator
	clock  archive.Clock
	logger *zap.Logger
	mirror archive.BlobStore
}

// New constructs a Materializer. ids should produce random IDs because their
// prefixes end up in filenames.
func New(ids archive.IDGenerator, clock archive.Clock, logger *zap.Logger, opts ...Option) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Materializer{ids: ids, clock: clock, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session is an exclusive hold on one output directory for one run.
type Session struct {
	m         *Materializer
	store     *local.BlobStore
	lock      *flock.Flock
	runID     string
	sourceURL string
	title     string
	logger    *zap.Logger
}

// Open locks outputDir for runID. It fails with archive.ErrPrecondition when
// the directory already holds a report or another run owns it.
func (m *Materializer) Open(_ context.Context, outputDir, runID, sourceURL string) (*Session, error) {
	store, err := local.New(local.Config{BaseDir: outputDir})
	if err != nil {
		return nil, fmt.Errorf("%w: output directory: %v", archive.ErrPrecondition, err)
	}
	lock := flock.New(filepath.Join(store.Root(), lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: lock output directory: %v", archive.ErrPrecondition, err)
	}
	if !locked {
		return nil, ErrOutputLocked
	}
	if store.Exists(ReportFile) {
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: %s already contains %s", archive.ErrPrecondition, store.Root(), ReportFile)
	}
	return &Session{
		m:         m,
		store:     store,
		lock:      lock,
		runID:     runID,
		sourceURL: sourceURL,
		logger:    m.logger.With(zap.String("run_id", runID)),
	}, nil
}

// Dir returns the absolute output directory.
func (s *Session) Dir() string {
	return s.store.Root()
}

// SetTitle sets the page title used in filenames of later artifacts.
func (s *Session) SetTitle(title string) {
	s.title = title
}

// Add copies item into the output directory and writes its sidecar. The
// returned artifact carries the materialized file name.
func (s *Session) Add(ctx context.Context, item Item) (archive.Artifact, error) {
	artifactID, err := s.m.ids.NewID()
	if err != nil {
		return archive.Artifact{}, fmt.Errorf("artifact id: %w", err)
	}
	mtype := detect(item.Path)

	name, err := s.copyUnique(ctx, item, artifactID, mtype)
	if err != nil {
		return archive.Artifact{}, err
	}
	artifact := item.Artifact
	artifact.File = name
	if artifact.PerceptualHashes == nil {
		artifact.PerceptualHashes = []archive.PerceptualHash{}
	}

	sidecar := archive.Sidecar{
		ArtifactID:  artifactID,
		RunID:       s.runID,
		Kind:        artifact.Kind,
		Backend:     item.Backend,
		OriginalURL: s.sourceURL,
		LocalFile:   name,
		SHA256:      artifact.SHA256,
		CapturedAt:  s.m.clock.Now(),
	}
	if item.Backend == archive.BackendLocal {
		sidecar.SourcePath = item.Path
	}
	if err := s.putJSON(ctx, name+SidecarSuffix, sidecar); err != nil {
		return archive.Artifact{}, err
	}
	s.logger.Debug("materialized artifact",
		zap.String("file", name),
		zap.String("kind", string(artifact.Kind)),
		zap.String("backend", string(item.Backend)),
	)
	return artifact, nil
}

// WriteReport writes the consolidated report and returns its path.
func (s *Session) WriteReport(ctx context.Context, report archive.Report) (string, error) {
	if report.Artifacts == nil {
		report.Artifacts = []archive.Artifact{}
	}
	if err := s.putJSON(ctx, ReportFile, report); err != nil {
		return "", err
	}
	return filepath.Join(s.store.Root(), ReportFile), nil
}

// Close releases the output directory lock.
func (s *Session) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}
	path := s.lock.Path()
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock output directory: %w", err)
	}
	s.lock = nil
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (s *Session) copyUnique(ctx context.Context, item Item, artifactID string, mtype *mimetype.MIME) (string, error) {
	for _, n := range idPrefixLens {
		name := FileName(item.Artifact.Kind, uuid.Prefix(artifactID, n), s.title, extension(item.Path, mtype))
		err := s.putFile(ctx, name, item.Path, mtype.String())
		if errors.Is(err, local.ErrObjectExists) {
			continue
		}
		if err != nil {
			return "", err
		}
		return name, nil
	}
	return "", fmt.Errorf("no free name for artifact %s", artifactID)
}

func (s *Session) putFile(ctx context.Context, name, src, contentType string) error {
	f, err := os.Open(src) // #nosec G304 -- src is a file produced by this run.
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := s.store.PutObject(ctx, name, contentType, f); err != nil {
		return fmt.Errorf("materialize %s: %w", name, err)
	}
	if s.m.mirror != nil {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			s.mirrorObject(ctx, name, contentType, f)
		}
	}
	return nil
}

func (s *Session) putJSON(ctx context.Context, name string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if _, err := s.store.PutObject(ctx, name, "application/json", bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if s.m.mirror != nil {
		s.mirrorObject(ctx, name, "application/json", bytes.NewReader(payload))
	}
	return nil
}

func (s *Session) mirrorObject(ctx context.Context, name, contentType string, r io.Reader) {
	uri, err := s.m.mirror.PutObject(ctx, s.runID+"/"+name, contentType, r)
	if err != nil {
		s.logger.Warn("mirror upload failed", zap.String("file", name), zap.Error(err))
		return
	}
	s.logger.Debug("mirrored artifact", zap.String("file", name), zap.String("uri", uri))
}

// FileName builds `{kind}_{idPrefix}[_{title}]{ext}`. The title is reduced
// to ASCII letters, digits and underscores and cut to 20 characters.
func FileName(kind archive.Kind, idPrefix, title, ext string) string {
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte('_')
	b.WriteString(idPrefix)
	if fragment := TitleFragment(title); fragment != "" {
		b.WriteByte('_')
		b.WriteString(fragment)
	}
	b.WriteString(ext)
	return b.String()
}

// TitleFragment returns the filename-safe form of a page title.
func TitleFragment(title string) string {
	cleaned := strings.Trim(unsafeTitleChars.ReplaceAllString(title, "_"), "_")
	if len(cleaned) > titleFragmentLen {
		cleaned = strings.TrimRight(cleaned[:titleFragmentLen], "_")
	}
	return cleaned
}

func detect(path string) *mimetype.MIME {
	mtype, err := mimetype.DetectFile(path)
	if err != nil || mtype == nil {
		return mimetype.Lookup("application/octet-stream")
	}
	return mtype
}

// extension prefers the sniffed MIME type and falls back to the source name.
func extension(path string, mtype *mimetype.MIME) string {
	if mtype != nil && !mtype.Is("application/octet-stream") && mtype.Extension() != "" {
		return mtype.Extension()
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" && len(ext) <= 10 {
		return ext
	}
	return fallbackExt
}
