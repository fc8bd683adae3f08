// Package direct implements the direct-download capture backend using gocolly.
//
// The backend issues one GET for the URL and keeps the body only when the
// server answers 200 with a non-HTML content type. Everything else yields a
// successful run with no files, because a web page is the render backend's job.
package direct

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
)

const (
	defaultTimeout = 10 * time.Second
	// fileStem is the base name of the downloaded file inside scratch.
	fileStem = "file"
	// fallbackExt is used when the content type maps to no extension.
	fallbackExt = ".bin"
	// originalContentTypeHeader carries the server's Content-Type past
	// colly, which re-encodes any body whose declared charset is not UTF-8.
	originalContentTypeHeader = "X-Atlos-Original-Content-Type"
)

// errNoResponse is reported when colly finishes without invoking any hook.
var errNoResponse = errors.New("no response received")

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps the response size; 0 means unlimited.
	MaxBodyBytes int
}

// Backend implements archive.Backend with a single Colly visit.
type Backend struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// download is what the hooks record about the response.
type download struct {
	status      int
	contentType string
	body        []byte
	finalURL    string
}

// New builds a Backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(rawBodyTransport{next: newHTTPTransport()})
	c.DetectCharset = false
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodyBytes
	return &Backend{cfg: cfg, logger: logger, baseCollector: c}
}

// ID implements archive.Backend.
func (b *Backend) ID() archive.BackendID {
	return archive.BackendDirect
}

// Capture downloads url into scratchDir when it points at a non-HTML file.
func (b *Backend) Capture(ctx context.Context, url string, scratchDir string) (archive.BackendResult, error) {
	start := time.Now()
	result := archive.BackendResult{Backend: archive.BackendDirect}

	var (
		dl       download
		fetchErr error
	)
	collector := b.buildCollector(&dl, &fetchErr)
	if err := b.runCollector(ctx, collector, url, &fetchErr); err != nil {
		b.logger.Warn("direct fetch failed", zap.String("url", url), zap.Error(err))
		result.Err = err.Error()
		result.Duration = time.Since(start)
		return result, nil
	}

	result.Duration = time.Since(start)
	if dl.status == 0 {
		result.Err = errNoResponse.Error()
		return result, nil
	}
	result.Succeeded = true
	if !dl.downloadable() {
		b.logger.Debug("direct fetch produced no file",
			zap.String("url", url),
			zap.Int("status", dl.status),
			zap.String("content_type", dl.contentType),
		)
		return result, nil
	}

	path := filepath.Join(scratchDir, fileStem+extensionFor(dl.contentType))
	if err := os.WriteFile(path, dl.body, 0o600); err != nil {
		result.Succeeded = false
		result.Err = fmt.Sprintf("write downloaded file: %v", err)
		return result, nil
	}
	b.logger.Info("direct fetch saved file",
		zap.String("url", url),
		zap.String("final_url", dl.finalURL),
		zap.String("path", path),
		zap.Int("bytes", len(dl.body)),
	)
	result.Files = []archive.ProducedFile{{Path: path, Kind: archive.KindDirectFile}}
	return result, nil
}

func (b *Backend) buildCollector(dl *download, fetchErr *error) *colly.Collector {
	collector := b.baseCollector.Clone()
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = b.cfg.MaxBodyBytes
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	collector.SetRequestTimeout(b.cfg.Timeout)
	configureCollectorHooks(collector, dl, fetchErr)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, dl *download, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*dl = download{
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			dl.contentType = r.Headers.Get(originalContentTypeHeader)
			if dl.contentType == "" {
				dl.contentType = r.Headers.Get("Content-Type")
			}
		}
		if r.Request != nil && r.Request.URL != nil {
			dl.finalURL = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		// With ParseHTTPErrorResponse set, status errors still reach OnResponse.
		if r != nil && r.StatusCode != 0 {
			return
		}
		*fetchErr = err
	})
}

func (b *Backend) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	collector.Context = ctx

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && *fetchErr == nil {
			return fmt.Errorf("direct visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("direct response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (d download) downloadable() bool {
	if d.status != http.StatusOK {
		return false
	}
	ct := strings.TrimSpace(d.contentType)
	if ct == "" {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(ct), "text/html")
}

// extensionFor maps a Content-Type header value to a file extension.
func extensionFor(contentType string) string {
	mediaType := mediaTypeOf(contentType)
	if m := mimetype.Lookup(mediaType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return fallbackExt
}

// rawBodyTransport hides the charset parameter from colly so the saved
// file keeps the exact bytes the server sent.
type rawBodyTransport struct {
	next http.RoundTripper
}

func (t rawBodyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return resp, nil
	}
	resp.Header.Set(originalContentTypeHeader, ct)
	resp.Header.Set("Content-Type", mediaTypeOf(ct))
	return resp, nil
}

func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.ToLower(mediaType)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ archive.Backend = (*Backend)(nil)
