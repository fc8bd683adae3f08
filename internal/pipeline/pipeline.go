// Package pipeline orchestrates one capture run: the backends, fingerprinting,
// materialization, and the consolidated report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/authwall"
	"github.com/atlosdotorg/atlos/internal/fingerprint"
	"github.com/atlosdotorg/atlos/internal/materialize"
	"github.com/atlosdotorg/atlos/internal/metrics"
	"github.com/atlosdotorg/atlos/internal/scratch"
)

// EventCompleted is the event name published after a report is written.
const EventCompleted = "capture.completed"

// State names one step of a run.
type State string

// Run states, in order.
const (
	StateInit        State = "init"
	StateDirectFetch State = "direct_fetch"
	StateCapture     State = "render_and_archive"
	StateMerge       State = "merge"
	StateMaterialize State = "materialize"
	StateDone        State = "done"
)

const (
	runResultSucceeded = "succeeded"
	runResultPartial   = "partial"
	runResultAllFailed = "all_failed"
	runResultLocalOnly = "local_only"
)

// Config controls pipeline behavior.
type Config struct {
	// ScratchRoot holds per-run scratch trees. Empty means os.TempDir().
	ScratchRoot string
	// Topic is handed to the publisher with every completion event. Empty
	// disables publishing.
	Topic string
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID      string
	URL        string
	OutputDir  string
	ReportPath string
	Report     archive.Report
	Results    map[archive.BackendID]archive.BackendResult
	// URLRequested is false for local-file-only runs.
	URLRequested bool
}

// AllFailed reports whether a URL was requested and no backend succeeded.
func (o Outcome) AllFailed() bool {
	if !o.URLRequested {
		return false
	}
	for _, ok := range o.Report.BackendStatus {
		if ok {
			return false
		}
	}
	return true
}

// configurable is implemented by backends whose config can be overridden per request.
type configurable interface {
	WithConfigPath(path string) archive.Backend
}

// toggleable is implemented by backends that may be switched off by configuration.
type toggleable interface {
	Enabled() bool
}

// preflighter is implemented by backends that validate their setup before a run.
type preflighter interface {
	Preflight(ctx context.Context) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDirect sets the direct fetch backend.
func WithDirect(b archive.Backend) Option {
	return func(p *Pipeline) { p.direct = b }
}

// WithRender sets the rendering backend.
func WithRender(b archive.Backend) Option {
	return func(p *Pipeline) { p.render = b }
}

// WithArchiver sets the general archiver backend.
func WithArchiver(b archive.Backend) Option {
	return func(p *Pipeline) { p.archiver = b }
}

// WithIndex records fingerprints of every run into idx.
func WithIndex(idx archive.FingerprintIndex) Option {
	return func(p *Pipeline) { p.index = idx }
}

// WithPublisher publishes a completion event per run.
func WithPublisher(pub archive.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithClassifier replaces the default authwall classifier.
func WithClassifier(c authwall.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithRunIDs sets the run ID generator.
func WithRunIDs(ids archive.IDGenerator) Option {
	return func(p *Pipeline) { p.runIDs = ids }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStateHook is called on every state transition.
func WithStateHook(hook func(runID string, state State)) Option {
	return func(p *Pipeline) { p.onState = hook }
}

// Pipeline runs captures. It is safe for concurrent use when its backends are.
type Pipeline struct {
	cfg           Config
	fingerprinter archive.Fingerprinter
	materializer  *materialize.Materializer
	direct        archive.Backend
	render        archive.Backend
	archiver      archive.Backend
	index         archive.FingerprintIndex
	publisher     archive.Publisher
	classifier    authwall.Classifier
	runIDs        archive.IDGenerator
	logger        *zap.Logger
	onState       func(runID string, state State)
}

// New constructs a Pipeline. Backends left unset are skipped.
func New(cfg Config, fp archive.Fingerprinter, mat *materialize.Materializer, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:           cfg,
		fingerprinter: fp,
		materializer:  mat,
		classifier:    authwall.Default,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type pending struct {
	path    string
	kind    archive.Kind
	backend archive.BackendID
}

var tracer = otel.Tracer("github.com/atlosdotorg/atlos/internal/pipeline")

// Run executes req. It returns an error only when the run could not start
// or its report could not be written; backend failures are recorded in the
// report instead.
func (p *Pipeline) Run(ctx context.Context, req archive.CaptureRequest) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("capture.url", req.URL),
		attribute.Bool("capture.local_file", req.LocalFile != ""),
	))
	defer span.End()

	outcome, err := p.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	span.SetAttributes(
		attribute.String("capture.run_id", outcome.RunID),
		attribute.Int("capture.artifacts", len(outcome.Report.Artifacts)),
		attribute.String("capture.result", runResult(outcome)),
	)
	return outcome, nil
}

func (p *Pipeline) run(ctx context.Context, req archive.CaptureRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	runID, err := p.newRunID()
	if err != nil {
		return Outcome{}, err
	}
	logger := p.logger.With(zap.String("run_id", runID), zap.String("url", req.URL))
	p.transition(runID, StateInit)

	localPath, err := resolveLocalFile(req.LocalFile)
	if err != nil {
		return Outcome{}, err
	}
	archiver, err := p.prepareArchiver(ctx, req, logger)
	if err != nil {
		return Outcome{}, err
	}

	session, err := p.materializer.Open(ctx, req.OutputDir, runID, req.URL)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("release output directory failed", zap.Error(cerr))
		}
	}()

	runDir, err := p.acquireScratch(runID)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if rerr := runDir.Release(); rerr != nil {
			logger.Warn("scratch cleanup failed", zap.Error(rerr))
		}
	}()

	outcome := Outcome{
		RunID:        runID,
		URL:          req.URL,
		OutputDir:    session.Dir(),
		Results:      map[archive.BackendID]archive.BackendResult{},
		URLRequested: req.URL != "",
	}

	var items []pending
	if localPath != "" {
		items = append(items, pending{path: localPath, kind: archive.KindFile, backend: archive.BackendLocal})
	}
	if req.URL != "" {
		if err := p.captureURL(ctx, runID, req.URL, runDir, archiver, outcome.Results, logger); err != nil {
			return Outcome{}, err
		}
	}

	p.transition(runID, StateMerge)
	report := merge(outcome.Results)
	items = append(items, orderedFiles(outcome.Results)...)
	if req.URL != "" {
		report.IsLikelyAuthwalled = p.classifier.IsLikelyAuthwalled(req.URL)
		if report.IsLikelyAuthwalled {
			metrics.ObserveAuthwall(req.URL)
		}
	}

	p.transition(runID, StateMaterialize)
	if report.PageInfo != nil {
		session.SetTitle(report.PageInfo.Title)
	}
	report.Artifacts = p.materializeAll(ctx, session, items, logger)

	reportPath, err := session.WriteReport(ctx, report)
	if err != nil {
		return Outcome{}, fmt.Errorf("write report: %w", err)
	}
	outcome.Report = report
	outcome.ReportPath = reportPath

	p.recordIndex(ctx, runID, req.URL, report.Artifacts, logger)
	p.publish(ctx, outcome, logger)
	metrics.ObserveRun(runResult(outcome))
	p.transition(runID, StateDone)

	logger.Info("capture finished",
		zap.Int("artifacts", len(report.Artifacts)),
		zap.Bool("crawl_successful", report.CrawlSuccessful),
		zap.Bool("auto_archive_successful", report.AutoArchiveSuccessful),
		zap.String("report", reportPath),
	)
	return outcome, nil
}

func (p *Pipeline) newRunID() (string, error) {
	if p.runIDs == nil {
		return "", fmt.Errorf("%w: no run id generator configured", archive.ErrPrecondition)
	}
	id, err := p.runIDs.NewID()
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	return id, nil
}

func (p *Pipeline) transition(runID string, state State) {
	p.logger.Debug("pipeline state", zap.String("run_id", runID), zap.String("state", string(state)))
	if p.onState != nil {
		p.onState(runID, state)
	}
}

func resolveLocalFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: local file %s: %v", archive.ErrPrecondition, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: local file %s: %v", archive.ErrPrecondition, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: local file %s is not a regular file", archive.ErrPrecondition, path)
	}
	return abs, nil
}

// prepareArchiver returns the archiver to use for req, or nil when it is
// disabled. Setup problems surface here before any backend runs.
func (p *Pipeline) prepareArchiver(ctx context.Context, req archive.CaptureRequest, logger *zap.Logger) (archive.Backend, error) {
	if req.URL == "" {
		return nil, nil
	}
	if p.archiver == nil {
		logger.Warn("general archiver not configured; capture will not include its output")
		return nil, nil
	}
	archiver := p.archiver
	if req.ArchiverConfig != "" {
		c, ok := archiver.(configurable)
		if !ok {
			return nil, fmt.Errorf("%w: archiver %s does not accept a config path", archive.ErrPrecondition, archiver.ID())
		}
		archiver = c.WithConfigPath(req.ArchiverConfig)
	}
	if t, ok := archiver.(toggleable); ok && !t.Enabled() {
		logger.Warn("general archiver has no config file; skipping", zap.String("backend", string(archiver.ID())))
		return nil, nil
	}
	if pf, ok := archiver.(preflighter); ok {
		if err := pf.Preflight(ctx); err != nil {
			return nil, err
		}
	}
	return archiver, nil
}

func (p *Pipeline) acquireScratch(runID string) (*scratch.Dir, error) {
	root := p.cfg.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("%w: scratch root %s: %v", archive.ErrPrecondition, root, err)
	}
	return scratch.Acquire(filepath.Join(root, "run-"+runID))
}

// captureURL runs the direct fetch first, then rendering and the general
// archiver concurrently. Each backend gets its own scratch subdirectory.
func (p *Pipeline) captureURL(
	ctx context.Context,
	runID string,
	url string,
	runDir *scratch.Dir,
	archiver archive.Backend,
	results map[archive.BackendID]archive.BackendResult,
	logger *zap.Logger,
) error {
	p.transition(runID, StateDirectFetch)
	if p.direct != nil {
		res, err := p.runBackend(ctx, p.direct, url, runDir, logger)
		if err != nil {
			return err
		}
		results[res.Backend] = res
	}

	p.transition(runID, StateCapture)
	var renderRes, archiverRes *archive.BackendResult
	g, gctx := errgroup.WithContext(ctx)
	if p.render != nil {
		g.Go(func() error {
			res, err := p.runBackend(gctx, p.render, url, runDir, logger)
			if err != nil {
				return err
			}
			renderRes = &res
			return nil
		})
	}
	if archiver != nil {
		g.Go(func() error {
			res, err := p.runBackend(gctx, archiver, url, runDir, logger)
			if err != nil {
				return err
			}
			archiverRes = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, res := range []*archive.BackendResult{renderRes, archiverRes} {
		if res != nil {
			results[res.Backend] = *res
		}
	}
	return nil
}

func (p *Pipeline) runBackend(
	ctx context.Context,
	b archive.Backend,
	url string,
	runDir *scratch.Dir,
	logger *zap.Logger,
) (archive.BackendResult, error) {
	id := b.ID()
	ctx, span := tracer.Start(ctx, "backend."+string(id))
	defer span.End()

	dir, err := runDir.Sub(string(id))
	if err != nil {
		return archive.BackendResult{}, err
	}
	start := time.Now()
	res, err := b.Capture(ctx, url, dir.Path())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return archive.BackendResult{}, fmt.Errorf("backend %s: %w", id, err)
	}
	span.SetAttributes(attribute.Bool("backend.succeeded", res.Succeeded), attribute.Int("backend.files", len(res.Files)))
	if !res.Succeeded {
		span.SetStatus(codes.Error, res.Err)
	}
	res.Backend = id
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if !res.Succeeded {
		res.Files = nil
		res.PageInfo = nil
		res.ContentInfo = nil
	}
	metrics.ObserveBackend(string(id), res.Succeeded, res.Duration)

	fields := []zap.Field{
		zap.String("backend", string(id)),
		zap.Bool("succeeded", res.Succeeded),
		zap.Int("files", len(res.Files)),
		zap.Duration("duration", res.Duration),
	}
	if res.Succeeded {
		logger.Info("backend finished", fields...)
	} else {
		logger.Warn("backend failed", append(fields, zap.String("error", res.Err))...)
	}
	return res, nil
}

// merge builds the report skeleton from backend results.
func merge(results map[archive.BackendID]archive.BackendResult) archive.Report {
	report := archive.Report{
		Artifacts:     []archive.Artifact{},
		BackendStatus: make(map[archive.BackendID]bool, len(results)),
	}
	for id, res := range results {
		report.BackendStatus[id] = res.Succeeded
	}
	if res, ok := results[archive.BackendRender]; ok && res.Succeeded {
		report.CrawlSuccessful = true
		report.PageInfo = res.PageInfo
	}
	if res, ok := results[archive.BackendAutoArchiver]; ok && res.Succeeded {
		report.AutoArchiveSuccessful = true
		report.ContentInfo = res.ContentInfo
		if report.ContentInfo == nil {
			report.ContentInfo = []map[string]any{}
		}
	}
	return report
}

// orderedFiles lists produced files as render, archiver, then direct.
func orderedFiles(results map[archive.BackendID]archive.BackendResult) []pending {
	var out []pending
	for _, id := range []archive.BackendID{archive.BackendRender, archive.BackendAutoArchiver, archive.BackendDirect} {
		for _, f := range results[id].Files {
			out = append(out, pending{path: f.Path, kind: f.Kind, backend: id})
		}
	}
	return out
}

func (p *Pipeline) materializeAll(ctx context.Context, session *materialize.Session, items []pending, logger *zap.Logger) []archive.Artifact {
	artifacts := make([]archive.Artifact, 0, len(items))
	for _, item := range items {
		art, err := p.fingerprinter.Analyze(ctx, item.path, item.kind, fingerprint.WantsPerceptual(item.kind))
		if err != nil {
			logger.Error("fingerprint failed; dropping artifact",
				zap.String("path", item.path), zap.String("backend", string(item.backend)), zap.Error(err))
			continue
		}
		stored, err := session.Add(ctx, materialize.Item{Path: item.path, Backend: item.backend, Artifact: art})
		if err != nil {
			logger.Error("materialize failed; dropping artifact",
				zap.String("path", item.path), zap.String("backend", string(item.backend)), zap.Error(err))
			continue
		}
		metrics.ObserveArtifact(string(stored.Kind))
		artifacts = append(artifacts, stored)
	}
	return artifacts
}

func (p *Pipeline) recordIndex(ctx context.Context, runID, url string, artifacts []archive.Artifact, logger *zap.Logger) {
	if p.index == nil || len(artifacts) == 0 {
		return
	}
	if err := p.index.RecordArtifacts(ctx, runID, url, artifacts); err != nil {
		logger.Warn("record fingerprints failed", zap.Error(err))
	}
}

// CompletedEvent is the payload published after each run.
type CompletedEvent struct {
	Event         string                     `json:"event"`
	RunID         string                     `json:"run_id"`
	URL           string                     `json:"url,omitempty"`
	OutputDir     string                     `json:"output_dir"`
	ReportPath    string                     `json:"report_path"`
	Artifacts     int                        `json:"artifacts"`
	SHA256s       []string                   `json:"artifact_sha256s"`
	BackendStatus map[archive.BackendID]bool `json:"backend_status"`
	AllFailed     bool                       `json:"all_failed"`
	Authwalled    bool                       `json:"is_likely_authwalled"`
}

func (p *Pipeline) publish(ctx context.Context, o Outcome, logger *zap.Logger) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	sums := make([]string, 0, len(o.Report.Artifacts))
	for _, a := range o.Report.Artifacts {
		sums = append(sums, a.SHA256)
	}
	event := CompletedEvent{
		Event:         EventCompleted,
		RunID:         o.RunID,
		URL:           o.URL,
		OutputDir:     o.OutputDir,
		ReportPath:    o.ReportPath,
		Artifacts:     len(o.Report.Artifacts),
		SHA256s:       sums,
		BackendStatus: o.Report.BackendStatus,
		AllFailed:     o.AllFailed(),
		Authwalled:    o.Report.IsLikelyAuthwalled,
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, event); err != nil {
		logger.Warn("publish completion event failed", zap.Error(err))
	}
}

func runResult(o Outcome) string {
	switch {
	case !o.URLRequested:
		return runResultLocalOnly
	case o.AllFailed():
		return runResultAllFailed
	}
	for _, ok := range o.Report.BackendStatus {
		if !ok {
			return runResultPartial
		}
	}
	return runResultSucceeded
}

// IsPrecondition reports whether err aborted a run before it produced a report.
func IsPrecondition(err error) bool {
	return errors.Is(err, archive.ErrPrecondition) || errors.Is(err, archive.ErrInvalidRequest)
}
