// Package render implements the headless-browser capture backend using chromedp.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/ratelimit"
)

const (
	defaultTimeout     = 3 * time.Minute
	defaultSettleDelay = 5 * time.Second
	defaultWidth       = 1600
	defaultHeight      = 1200
	defaultMaxParallel = 2

	// closeButtonXPath matches the dismiss button of common login and cookie overlays.
	closeButtonXPath = `//*[@aria-label="Close" and @role="button"]`

	viewportFile = "viewport.png"
	fullPageFile = "fullpage.png"
	pdfFile      = "page.pdf"
)

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// Config controls the behavior of the render backend.
type Config struct {
	MaxParallel int
	Timeout     time.Duration
	SettleDelay time.Duration
	Width       int
	Height      int
	UserAgent   string
	// DomainQPS limits navigations per host; 0 disables the limiter.
	DomainQPS float64
	// ExecPath overrides the Chrome binary chromedp looks up.
	ExecPath  string
	NoSandbox bool
}

// Backend implements archive.Backend with one fresh browser per capture.
type Backend struct {
	cfg         Config
	logger      *zap.Logger
	sem         chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	limiter     *ratelimit.Limiter
}

// capture holds what one browser session produced before it is written out.
type capture struct {
	info     archive.PageInfo
	viewport []byte
	fullPage []byte
	pdf      []byte
}

// New creates a render backend. The browser itself is only started per capture.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.MaxParallel < 0 {
		return nil, ErrRendererDisabled
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(cfg.Width, cfg.Height),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Backend{
		cfg:         cfg,
		logger:      logger,
		sem:         make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
		limiter:     ratelimit.New(ratelimit.Config{RPS: cfg.DomainQPS}),
	}, nil
}

func (c Config) withDefaults() Config {
	if c.MaxParallel == 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.Width <= 0 {
		c.Width = defaultWidth
	}
	if c.Height <= 0 {
		c.Height = defaultHeight
	}
	return c
}

// Close cancels the allocator context.
func (b *Backend) Close() {
	if b == nil {
		return
	}
	b.allocCancel()
}

// ID implements archive.Backend.
func (b *Backend) ID() archive.BackendID {
	return archive.BackendRender
}

// Capture renders rawURL and writes screenshots and a PDF into scratchDir.
// Either every file is produced or none is.
func (b *Backend) Capture(ctx context.Context, rawURL string, scratchDir string) (archive.BackendResult, error) {
	start := time.Now()
	logger := b.logger.With(zap.String("url", rawURL))

	fail := func(err error) (archive.BackendResult, error) {
		logger.Warn("render capture failed", zap.Error(err))
		res := archive.Failed(archive.BackendRender, err)
		res.Duration = time.Since(start)
		return res, nil
	}

	release, err := b.acquireSlot(ctx)
	if err != nil {
		return fail(err)
	}
	defer release()

	if err := b.waitDomainBudget(ctx, rawURL); err != nil {
		return fail(fmt.Errorf("render rate limit: %w", err))
	}

	tabCtx, cancelTab := chromedp.NewContext(b.allocator)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.cfg.Timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	shot, err := b.run(taskCtx, rawURL, logger)
	if err != nil {
		return fail(err)
	}

	files, err := persist(scratchDir, shot)
	if err != nil {
		return fail(err)
	}
	info := shot.info
	logger.Info("render capture complete",
		zap.String("title", info.Title),
		zap.Int("files", len(files)),
		zap.Duration("duration", time.Since(start)),
	)
	return archive.BackendResult{
		Backend:   archive.BackendRender,
		Succeeded: true,
		Files:     files,
		PageInfo:  &info,
		Duration:  time.Since(start),
	}, nil
}

func (b *Backend) run(ctx context.Context, rawURL string, logger *zap.Logger) (capture, error) {
	var shot capture
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(b.cfg.Width), int64(b.cfg.Height)),
		chromedp.Navigate(rawURL),
		chromedp.Sleep(b.cfg.SettleDelay),
		dismissOverlays(logger),
		chromedp.Title(&shot.info.Title),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &shot.info.Text),
		chromedp.CaptureScreenshot(&shot.viewport),
		chromedp.FullScreenshot(&shot.fullPage, 100),
		// FullScreenshot leaves the device metrics enlarged.
		emulation.ClearDeviceMetricsOverride(),
		chromedp.EmulateViewport(int64(b.cfg.Width), int64(b.cfg.Height)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return fmt.Errorf("print pdf: %w", err)
			}
			shot.pdf = data
			return nil
		}),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return capture{}, fmt.Errorf("chromedp run: %w", err)
	}
	return shot, nil
}

// dismissOverlays clicks a close button when one exists and presses Escape.
// Neither step is allowed to fail the capture.
func dismissOverlays(logger *zap.Logger) chromedp.Action {
	script := fmt.Sprintf(`(() => {
  const node = document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  if (!node) { return false; }
  node.click();
  return true;
})()`, closeButtonXPath)

	return chromedp.ActionFunc(func(ctx context.Context) error {
		var clicked bool
		if err := chromedp.Evaluate(script, &clicked).Do(ctx); err != nil {
			logger.Debug("close button click failed", zap.Error(err))
		} else if clicked {
			logger.Debug("dismissed overlay")
		}
		if err := chromedp.KeyEvent(kb.Escape).Do(ctx); err != nil {
			logger.Debug("escape key failed", zap.Error(err))
		}
		return nil
	})
}

// persist writes every captured file or, on any failure, none of them.
func persist(dir string, shot capture) ([]archive.ProducedFile, error) {
	outputs := []struct {
		name string
		kind archive.Kind
		data []byte
	}{
		{viewportFile, archive.KindViewportScreenshot, shot.viewport},
		{fullPageFile, archive.KindFullPageScreenshot, shot.fullPage},
		{pdfFile, archive.KindPDF, shot.pdf},
	}

	files := make([]archive.ProducedFile, 0, len(outputs))
	cleanup := func() {
		for _, f := range files {
			_ = os.Remove(f.Path)
		}
	}
	for _, out := range outputs {
		if len(out.data) == 0 {
			cleanup()
			return nil, fmt.Errorf("render produced empty %s", out.name)
		}
		path := filepath.Join(dir, out.name)
		if err := os.WriteFile(path, out.data, 0o600); err != nil {
			cleanup()
			return nil, fmt.Errorf("write %s: %w", out.name, err)
		}
		files = append(files, archive.ProducedFile{Path: path, Kind: out.kind})
	}
	return files, nil
}

func (b *Backend) acquireSlot(ctx context.Context) (func(), error) {
	if b.sem == nil {
		return func() {}, nil
	}
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

func (b *Backend) waitDomainBudget(ctx context.Context, rawURL string) error {
	if err := b.limiter.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

var _ archive.Backend = (*Backend)(nil)
