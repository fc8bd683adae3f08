package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/clock/system"
	"github.com/atlosdotorg/atlos/internal/fingerprint"
	"github.com/atlosdotorg/atlos/internal/hash/perceptual"
	"github.com/atlosdotorg/atlos/internal/hash/sha256"
	"github.com/atlosdotorg/atlos/internal/id/uuid"
	"github.com/atlosdotorg/atlos/internal/materialize"
	"github.com/atlosdotorg/atlos/internal/pipeline"
	publishermemory "github.com/atlosdotorg/atlos/internal/publisher/memory"
)

const targetURL = "https://example.com/post/1"

type fakeFile struct {
	name string
	kind archive.Kind
	data []byte
}

type fakeBackend struct {
	id      archive.BackendID
	fail    bool
	err     error
	files   []fakeFile
	page    *archive.PageInfo
	content []map[string]any
	calls   atomic.Int32
	dirs    sync.Map
}

func (f *fakeBackend) ID() archive.BackendID { return f.id }

func (f *fakeBackend) Capture(_ context.Context, url string, dir string) (archive.BackendResult, error) {
	f.calls.Add(1)
	f.dirs.Store(url, dir)
	if f.err != nil {
		return archive.BackendResult{}, f.err
	}
	if f.fail {
		return archive.Failed(f.id, errors.New("backend exploded")), nil
	}
	res := archive.BackendResult{Backend: f.id, Succeeded: true, PageInfo: f.page, ContentInfo: f.content}
	for _, file := range f.files {
		path := filepath.Join(dir, file.name)
		if err := os.WriteFile(path, file.data, 0o600); err != nil {
			return archive.BackendResult{}, err
		}
		res.Files = append(res.Files, archive.ProducedFile{Path: path, Kind: file.kind})
	}
	return res, nil
}

type fakeArchiver struct {
	*fakeBackend
	enabled      bool
	preflightErr error
	configPath   *string
}

func (f fakeArchiver) Enabled() bool { return f.enabled }

func (f fakeArchiver) Preflight(context.Context) error { return f.preflightErr }

func (f fakeArchiver) WithConfigPath(path string) archive.Backend {
	*f.configPath = path
	return f
}

type recordingIndex struct {
	mu        sync.Mutex
	runID     string
	url       string
	artifacts []archive.Artifact
	err       error
}

func (r *recordingIndex) RecordArtifacts(_ context.Context, runID, url string, artifacts []archive.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID, r.url, r.artifacts = runID, url, artifacts
	return r.err
}

func directBackend() *fakeBackend {
	return &fakeBackend{
		id:    archive.BackendDirect,
		files: []fakeFile{{name: "file.pdf", kind: archive.KindDirectFile, data: []byte("%PDF-1.4 direct")}},
	}
}

func renderBackend() *fakeBackend {
	return &fakeBackend{
		id: archive.BackendRender,
		files: []fakeFile{
			{name: "viewport.png", kind: archive.KindViewportScreenshot, data: []byte("viewport")},
			{name: "fullpage.png", kind: archive.KindFullPageScreenshot, data: []byte("fullpage")},
			{name: "page.pdf", kind: archive.KindPDF, data: []byte("%PDF-1.4 render")},
		},
		page: &archive.PageInfo{Title: "Breaking: Something Happened", Text: "body text"},
	}
}

func archiverBackend() *fakeBackend {
	return &fakeBackend{
		id: archive.BackendAutoArchiver,
		files: []fakeFile{
			{name: "a.txt", kind: archive.KindMedia, data: []byte("media one")},
			{name: "b.txt", kind: archive.KindMedia, data: []byte("media two")},
		},
		content: []map[string]any{{"title": "post"}},
	}
}

type harness struct {
	scratchRoot string
	out         string
	publisher   *publishermemory.Publisher
	index       *recordingIndex
}

func newPipeline(t *testing.T, opts ...pipeline.Option) (*pipeline.Pipeline, harness) {
	t.Helper()
	h := harness{
		scratchRoot: filepath.Join(t.TempDir(), "scratch"),
		out:         filepath.Join(t.TempDir(), "out"),
		publisher:   publishermemory.New(),
		index:       &recordingIndex{},
	}
	engine := fingerprint.New(sha256.New(), perceptual.New("ffmpeg", zap.NewNop()))
	mat := materialize.New(uuid.NewRandom(), system.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)), zap.NewNop())
	base := []pipeline.Option{
		pipeline.WithRunIDs(uuid.New()),
		pipeline.WithPublisher(h.publisher),
		pipeline.WithIndex(h.index),
	}
	p := pipeline.New(
		pipeline.Config{ScratchRoot: h.scratchRoot, Topic: "captures"},
		engine,
		mat,
		append(base, opts...)...,
	)
	return p, h
}

func readReport(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func kinds(artifacts []archive.Artifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, string(a.Kind))
	}
	sort.Strings(out)
	return out
}

func writePNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 6), B: 120, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "evidence.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestRunPartialFailureSubsets(t *testing.T) {
	t.Parallel()

	for mask := 0; mask < 8; mask++ {
		directFails, renderFails, archiverFails := mask&1 != 0, mask&2 != 0, mask&4 != 0
		t.Run(fmt.Sprintf("direct=%t/render=%t/archiver=%t", !directFails, !renderFails, !archiverFails), func(t *testing.T) {
			t.Parallel()

			direct, render, arch := directBackend(), renderBackend(), archiverBackend()
			direct.fail, render.fail, arch.fail = directFails, renderFails, archiverFails
			p, h := newPipeline(t, pipeline.WithDirect(direct), pipeline.WithRender(render), pipeline.WithArchiver(arch))

			outcome, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
			require.NoError(t, err)

			var want []string
			if !directFails {
				want = append(want, string(archive.KindDirectFile))
			}
			if !renderFails {
				want = append(want,
					string(archive.KindViewportScreenshot),
					string(archive.KindFullPageScreenshot),
					string(archive.KindPDF))
			}
			if !archiverFails {
				want = append(want, string(archive.KindMedia), string(archive.KindMedia))
			}
			sort.Strings(want)
			if want == nil {
				want = []string{}
			}
			assert.Equal(t, want, kinds(outcome.Report.Artifacts))

			assert.Equal(t, map[archive.BackendID]bool{
				archive.BackendDirect:       !directFails,
				archive.BackendRender:       !renderFails,
				archive.BackendAutoArchiver: !archiverFails,
			}, outcome.Report.BackendStatus)
			assert.Equal(t, !renderFails, outcome.Report.CrawlSuccessful)
			assert.Equal(t, !archiverFails, outcome.Report.AutoArchiveSuccessful)
			assert.Equal(t, mask == 7, outcome.AllFailed())

			for _, a := range outcome.Report.Artifacts {
				assert.FileExists(t, filepath.Join(outcome.OutputDir, a.File))
				assert.FileExists(t, filepath.Join(outcome.OutputDir, a.File+materialize.SidecarSuffix))
				assert.Len(t, a.SHA256, 64)
			}

			doc := readReport(t, outcome.ReportPath)
			assert.Equal(t, filepath.Join(outcome.OutputDir, materialize.ReportFile), outcome.ReportPath)
			if renderFails {
				assert.Nil(t, doc["page_info"])
			} else {
				assert.Equal(t, "Breaking: Something Happened", doc["page_info"].(map[string]any)["title"])
			}
			if archiverFails {
				assert.Nil(t, doc["content_info"])
			} else {
				assert.Len(t, doc["content_info"], 1)
			}

			entries, err := os.ReadDir(h.scratchRoot)
			require.NoError(t, err)
			assert.Empty(t, entries, "scratch must be released")
		})
	}
}

func TestRunArchiverOnlySucceeds(t *testing.T) {
	t.Parallel()

	direct := &fakeBackend{id: archive.BackendDirect}
	render := renderBackend()
	render.fail = true
	p, h := newPipeline(t, pipeline.WithDirect(direct), pipeline.WithRender(render), pipeline.WithArchiver(archiverBackend()))

	outcome, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)

	doc := readReport(t, outcome.ReportPath)
	assert.Equal(t, false, doc["crawl_successful"])
	assert.Equal(t, true, doc["auto_archive_successful"])
	assert.Nil(t, doc["page_info"])
	assert.Equal(t, []string{"media", "media"}, kinds(outcome.Report.Artifacts))
	assert.False(t, outcome.AllFailed())
}

func TestRunLocalImageOnly(t *testing.T) {
	t.Parallel()

	direct := directBackend()
	p, h := newPipeline(t, pipeline.WithDirect(direct))
	local := writePNG(t)

	outcome, err := p.Run(context.Background(), archive.CaptureRequest{LocalFile: local, OutputDir: h.out})
	require.NoError(t, err)

	require.Len(t, outcome.Report.Artifacts, 1)
	art := outcome.Report.Artifacts[0]
	assert.Equal(t, archive.KindFile, art.Kind)
	want, err := sha256.New().HashFile(local)
	require.NoError(t, err)
	assert.Equal(t, want, art.SHA256)
	require.Len(t, art.PerceptualHashes, 1)
	assert.Equal(t, archive.AlgorithmPHash, art.PerceptualHashes[0].Algorithm)

	assert.Empty(t, outcome.Report.BackendStatus)
	assert.False(t, outcome.Report.CrawlSuccessful)
	assert.False(t, outcome.AllFailed())
	assert.Zero(t, direct.calls.Load(), "no URL means no backend runs")

	sidecar, err := os.ReadFile(filepath.Join(outcome.OutputDir, art.File+materialize.SidecarSuffix))
	require.NoError(t, err)
	assert.Contains(t, string(sidecar), local)
}

func TestRunZeroArtifactsStillWritesReport(t *testing.T) {
	t.Parallel()

	direct, render, arch := directBackend(), renderBackend(), archiverBackend()
	direct.fail, render.fail, arch.fail = true, true, true
	p, h := newPipeline(t, pipeline.WithDirect(direct), pipeline.WithRender(render), pipeline.WithArchiver(arch))

	outcome, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)
	assert.True(t, outcome.AllFailed())

	doc := readReport(t, outcome.ReportPath)
	assert.Equal(t, []any{}, doc["artifacts"])
	assert.Equal(t, false, doc["crawl_successful"])
	assert.Equal(t, false, doc["auto_archive_successful"])
	assert.Equal(t, false, doc["is_likely_authwalled"])
}

func TestRunPreconditionAbortsBeforeBackends(t *testing.T) {
	t.Parallel()

	direct, render := directBackend(), renderBackend()
	path := ""
	arch := fakeArchiver{
		fakeBackend:  archiverBackend(),
		enabled:      true,
		preflightErr: fmt.Errorf("%w: config missing", archive.ErrPrecondition),
		configPath:   &path,
	}
	p, h := newPipeline(t, pipeline.WithDirect(direct), pipeline.WithRender(render), pipeline.WithArchiver(arch))

	_, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.Error(t, err)
	assert.True(t, errors.Is(err, archive.ErrPrecondition))
	assert.True(t, pipeline.IsPrecondition(err))
	assert.Zero(t, direct.calls.Load())
	assert.Zero(t, render.calls.Load())
	assert.Zero(t, arch.calls.Load())
	assert.NoFileExists(t, filepath.Join(h.out, materialize.ReportFile))
}

func TestRunBackendPreconditionAbortsRun(t *testing.T) {
	t.Parallel()

	render := renderBackend()
	render.err = fmt.Errorf("%w: stale scratch", archive.ErrScratchExists)
	p, h := newPipeline(t, pipeline.WithDirect(directBackend()), pipeline.WithRender(render))

	_, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.Error(t, err)
	assert.True(t, errors.Is(err, archive.ErrPrecondition))
	assert.NoFileExists(t, filepath.Join(h.out, materialize.ReportFile))
}

func TestRunRejectsBadRequests(t *testing.T) {
	t.Parallel()

	p, h := newPipeline(t)
	_, err := p.Run(context.Background(), archive.CaptureRequest{OutputDir: h.out})
	assert.True(t, errors.Is(err, archive.ErrInvalidRequest))

	_, err = p.Run(context.Background(), archive.CaptureRequest{LocalFile: filepath.Join(t.TempDir(), "missing.png"), OutputDir: h.out})
	assert.True(t, errors.Is(err, archive.ErrPrecondition))

	_, err = p.Run(context.Background(), archive.CaptureRequest{LocalFile: t.TempDir(), OutputDir: h.out})
	assert.True(t, errors.Is(err, archive.ErrPrecondition))
}

func TestRunRefusesUsedOutputDir(t *testing.T) {
	t.Parallel()

	direct := directBackend()
	p, h := newPipeline(t, pipeline.WithDirect(direct))
	require.NoError(t, os.MkdirAll(h.out, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(h.out, materialize.ReportFile), []byte("{}"), 0o600))

	_, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.Error(t, err)
	assert.True(t, errors.Is(err, archive.ErrPrecondition))
	assert.Zero(t, direct.calls.Load())
}

func TestRunSkipsDisabledArchiver(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	path := ""
	arch := fakeArchiver{fakeBackend: archiverBackend(), enabled: false, configPath: &path}
	p, h := newPipeline(t,
		pipeline.WithDirect(directBackend()),
		pipeline.WithArchiver(arch),
		pipeline.WithLogger(zap.New(core)),
	)

	outcome, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)
	assert.Zero(t, arch.calls.Load())
	_, ran := outcome.Report.BackendStatus[archive.BackendAutoArchiver]
	assert.False(t, ran)
	assert.False(t, outcome.Report.AutoArchiveSuccessful)
	assert.Equal(t, 1, logs.FilterMessage("general archiver has no config file; skipping").Len())
}

func TestRunWarnsWhenArchiverMissing(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	p, h := newPipeline(t, pipeline.WithDirect(directBackend()), pipeline.WithLogger(zap.New(core)))

	_, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("general archiver not configured; capture will not include its output").Len())
}

func TestRunLocalFileDoesNotWarnAboutArchiver(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	p, h := newPipeline(t, pipeline.WithLogger(zap.New(core)))

	_, err := p.Run(context.Background(), archive.CaptureRequest{LocalFile: writePNG(t), OutputDir: h.out})
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessageSnippet("general archiver").Len())
}

func TestRunAppliesArchiverConfigOverride(t *testing.T) {
	t.Parallel()

	path := ""
	arch := fakeArchiver{fakeBackend: archiverBackend(), enabled: true, configPath: &path}
	p, h := newPipeline(t, pipeline.WithArchiver(arch))

	_, err := p.Run(context.Background(), archive.CaptureRequest{
		URL:            targetURL,
		OutputDir:      h.out,
		ArchiverConfig: "/etc/archiver/orchestration.yaml",
	})
	require.NoError(t, err)
	assert.Equal(t, "/etc/archiver/orchestration.yaml", path)
	assert.EqualValues(t, 1, arch.calls.Load())
}

func TestRunIsolatesBackendScratch(t *testing.T) {
	t.Parallel()

	direct, render, arch := directBackend(), renderBackend(), archiverBackend()
	p, h := newPipeline(t, pipeline.WithDirect(direct), pipeline.WithRender(render), pipeline.WithArchiver(arch))

	_, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, b := range []*fakeBackend{direct, render, arch} {
		dir, ok := b.dirs.Load(targetURL)
		require.True(t, ok)
		assert.Equal(t, string(b.id), filepath.Base(dir.(string)))
		assert.False(t, seen[dir.(string)])
		seen[dir.(string)] = true
		assert.NoDirExists(t, dir.(string))
	}
}

func TestRunTitleFragmentInNames(t *testing.T) {
	t.Parallel()

	p, h := newPipeline(t, pipeline.WithRender(renderBackend()))
	outcome, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Report.Artifacts)
	for _, a := range outcome.Report.Artifacts {
		assert.Contains(t, a.File, materialize.TitleFragment("Breaking: Something Happened"))
	}
}

func TestRunPublishesAndIndexes(t *testing.T) {
	t.Parallel()

	p, h := newPipeline(t, pipeline.WithDirect(directBackend()))
	outcome, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)

	events := h.publisher.Events("captures")
	require.Len(t, events, 1)
	event, ok := events[0].Payload.(pipeline.CompletedEvent)
	require.True(t, ok)
	assert.Equal(t, pipeline.EventCompleted, event.Event)
	assert.Equal(t, outcome.RunID, event.RunID)
	assert.Equal(t, targetURL, event.URL)
	assert.Equal(t, 1, event.Artifacts)
	assert.Equal(t, []string{outcome.Report.Artifacts[0].SHA256}, event.SHA256s)
	assert.Equal(t, outcome.ReportPath, event.ReportPath)

	h.index.mu.Lock()
	defer h.index.mu.Unlock()
	assert.Equal(t, outcome.RunID, h.index.runID)
	assert.Equal(t, targetURL, h.index.url)
	assert.Len(t, h.index.artifacts, 1)
}

func TestRunIndexFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	p, h := newPipeline(t, pipeline.WithDirect(directBackend()))
	h.index.err = errors.New("db down")

	outcome, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)
	assert.FileExists(t, outcome.ReportPath)
}

func TestRunFlagsAuthwalledURL(t *testing.T) {
	t.Parallel()

	p, h := newPipeline(t, pipeline.WithDirect(&fakeBackend{id: archive.BackendDirect}))
	outcome, err := p.Run(context.Background(), archive.CaptureRequest{
		URL:       "https://www.instagram.com/p/abc/",
		OutputDir: h.out,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Report.IsLikelyAuthwalled)
}

func TestRunStateTransitions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var states []pipeline.State
	hook := func(_ string, s pipeline.State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}
	p, h := newPipeline(t, pipeline.WithDirect(directBackend()), pipeline.WithStateHook(hook))
	_, err := p.Run(context.Background(), archive.CaptureRequest{URL: targetURL, OutputDir: h.out})
	require.NoError(t, err)

	assert.Equal(t, []pipeline.State{
		pipeline.StateInit,
		pipeline.StateDirectFetch,
		pipeline.StateCapture,
		pipeline.StateMerge,
		pipeline.StateMaterialize,
		pipeline.StateDone,
	}, states)
}
