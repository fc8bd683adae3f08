// Package export copies a case-management project (incidents, source
// material, updates and their files) into a local directory tree.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL     = "https://platform.atlos.org"
	defaultUserAgent   = "atlos-archiver-export/1.0"
	defaultHTTPTimeout = 60 * time.Second
	maxErrorBody       = 512
)

// Record is one API object. Records are kept as decoded JSON so exports
// preserve fields this package does not interpret.
type Record = map[string]any

// ClientConfig describes the API client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client reads paginated collections from the project API.
type Client struct {
	apiKey    string
	userAgent string
	baseURL   *url.URL
	http      *http.Client
	logger    *zap.Logger
}

// NewClient creates a Client from cfg.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("export: api key is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("export: parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("export: base url must be http or https, got %q", base)
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:    apiKey,
		userAgent: userAgent,
		baseURL:   baseURL,
		http:      client,
		logger:    logger,
	}, nil
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type page struct {
	Results []Record `json:"results"`
	Next    *string  `json:"next"`
}

// Paginate fetches every record of endpoint, following the `next` cursor
// until the API stops returning one.
func (c *Client) Paginate(ctx context.Context, endpoint string) ([]Record, error) {
	var all []Record
	cursor := ""
	for {
		p, err := c.fetchPage(ctx, endpoint, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Results...)
		if p.Next == nil || *p.Next == "" {
			return all, nil
		}
		if *p.Next == cursor {
			return nil, fmt.Errorf("export: %s: cursor %q did not advance", endpoint, cursor)
		}
		cursor = *p.Next
		c.logger.Debug("fetched page", zap.String("endpoint", endpoint), zap.Int("total", len(all)))
	}
}

func (c *Client) fetchPage(ctx context.Context, endpoint, cursor string) (page, error) {
	u := c.baseURL.JoinPath("api", "v2", endpoint)
	if cursor != "" {
		u.RawQuery = url.Values{"cursor": []string{cursor}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return page{}, fmt.Errorf("export: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("export: get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return page{}, fmt.Errorf("export: get %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var p page
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return page{}, fmt.Errorf("export: decode %s: %w", endpoint, err)
	}
	return p, nil
}

// Download writes the body at rawURL to dest. File URLs are pre-signed, so
// the API key is not sent.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("download: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	return n, nil
}
