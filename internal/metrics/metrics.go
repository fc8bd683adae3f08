// Package metrics exposes Prometheus collectors for the archiver.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	backendRunsTotal           *prometheus.CounterVec
	backendDurationSeconds     *prometheus.HistogramVec
	artifactsTotal             *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	authwalledTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	exportDownloadsTotal       *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once, and
// every Observe function calls it.
func Init() {
	once.Do(func() {
		backendRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_backend_runs_total",
				Help: "Capture backend runs, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		)

		backendDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_backend_duration_seconds",
				Help:    "Capture backend run time, labeled by backend.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 180, 600, 1800, 3600},
			},
			[]string{"backend"},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_artifacts_total",
				Help: "Materialized artifacts, labeled by kind.",
			},
			[]string{"kind"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_runs_total",
				Help: "Pipeline runs, labeled by result (ok, partial, all_failed, error).",
			},
			[]string{"result"},
		)

		authwalledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_authwalled_urls_total",
				Help: "URLs classified as likely behind an authwall, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_workers",
				Help: "Number of workers currently running a capture.",
			},
		)

		exportDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_export_downloads_total",
				Help: "Project export file downloads, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-host rate limits, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"host"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBackend records one backend run.
func ObserveBackend(backend string, succeeded bool, duration time.Duration) {
	Init()
	outcome := "failure"
	if succeeded {
		outcome = "success"
	}
	backendRunsTotal.WithLabelValues(backend, outcome).Inc()
	backendDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveArtifact counts one materialized artifact.
func ObserveArtifact(kind string) {
	Init()
	artifactsTotal.WithLabelValues(kind).Inc()
}

// ObserveRun counts one pipeline run by result.
func ObserveRun(result string) {
	Init()
	runsTotal.WithLabelValues(result).Inc()
}

// ObserveAuthwall counts a URL classified as authwalled.
func ObserveAuthwall(rawURL string) {
	Init()
	authwalledTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveExportDownload counts one export download attempt.
func ObserveExportDownload(ok bool) {
	Init()
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	exportDownloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records how long a request waited for its host's budget.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
