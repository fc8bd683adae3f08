// Package archive defines core types shared across the capture pipeline.
package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for setup failures. Anything else a backend hits is
// folded into its BackendResult instead of being returned.
var (
	// ErrInvalidRequest marks a CaptureRequest that cannot be run.
	ErrInvalidRequest = errors.New("invalid capture request")
	// ErrPrecondition marks a setup violation that must abort the run.
	ErrPrecondition = errors.New("capture precondition failed")
	// ErrScratchExists marks a scratch directory left over from another run.
	ErrScratchExists = fmt.Errorf("%w: scratch directory already exists", ErrPrecondition)
	// ErrQueueClosed is returned by a Queue that no longer hands out jobs.
	ErrQueueClosed = errors.New("queue closed")
)

// BackendID names one capture strategy.
type BackendID string

// Known backends.
const (
	BackendDirect       BackendID = "direct"
	BackendRender       BackendID = "render"
	BackendAutoArchiver BackendID = "auto_archiver"
	// BackendLocal marks artifacts supplied by the caller as a local file.
	BackendLocal BackendID = "local"
)

// Kind tags what an artifact is.
type Kind string

// Artifact kinds.
const (
	KindFile               Kind = "file"
	KindViewportScreenshot Kind = "viewport_screenshot"
	KindFullPageScreenshot Kind = "fullpage_screenshot"
	KindThumbnail          Kind = "thumbnail"
	KindPDF                Kind = "pdf"
	KindWACZBundle         Kind = "wacz_bundle"
	KindMedia              Kind = "media"
	KindDirectFile         Kind = "direct_file"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFile, KindViewportScreenshot, KindFullPageScreenshot, KindThumbnail,
		KindPDF, KindWACZBundle, KindMedia, KindDirectFile:
		return true
	default:
		return false
	}
}

// HashAlgorithm names a perceptual hash algorithm.
type HashAlgorithm string

// Perceptual hash algorithms.
const (
	AlgorithmPHash HashAlgorithm = "phash"
	AlgorithmTMKL1 HashAlgorithm = "tmk_l1"
)

// CaptureRequest describes one pipeline invocation.
type CaptureRequest struct {
	URL            string `json:"url,omitempty"`
	LocalFile      string `json:"local_file,omitempty"`
	OutputDir      string `json:"output_dir"`
	ArchiverConfig string `json:"archiver_config,omitempty"`
}

// Validate enforces that there is something to capture and somewhere to put it.
func (r CaptureRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" && strings.TrimSpace(r.LocalFile) == "" {
		return fmt.Errorf("%w: url or local file is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalidRequest)
	}
	return nil
}

// ProducedFile is one raw file emitted by a backend.
type ProducedFile struct {
	Path string
	Kind Kind
}

// PageInfo is what the renderer extracted from the page.
type PageInfo struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// BackendResult is the outcome of one backend for one run.
type BackendResult struct {
	Backend     BackendID
	Succeeded   bool
	Files       []ProducedFile
	PageInfo    *PageInfo
	ContentInfo []map[string]any
	Err         string
	Duration    time.Duration
}

// Failed builds a result for a backend that did not produce anything.
func Failed(backend BackendID, err error) BackendResult {
	res := BackendResult{Backend: backend}
	if err != nil {
		res.Err = err.Error()
	}
	return res
}

// PerceptualHash is one fingerprint robust to minor media transformations.
type PerceptualHash struct {
	Algorithm HashAlgorithm `json:"kind"`
	Value     string        `json:"hash"`
}

// Artifact is a materialized file plus its fingerprints.
type Artifact struct {
	Kind             Kind             `json:"kind"`
	File             string           `json:"file"`
	SHA256           string           `json:"sha256"`
	PerceptualHashes []PerceptualHash `json:"perceptual_hashes"`
}

// Report is the consolidated metadata document written once per run.
type Report struct {
	PageInfo              *PageInfo          `json:"page_info"`
	Artifacts             []Artifact         `json:"artifacts"`
	ContentInfo           []map[string]any   `json:"content_info"`
	CrawlSuccessful       bool               `json:"crawl_successful"`
	AutoArchiveSuccessful bool               `json:"auto_archive_successful"`
	IsLikelyAuthwalled    bool               `json:"is_likely_authwalled"`
	BackendStatus         map[BackendID]bool `json:"backend_status"`
}

// Sidecar is written next to every materialized artifact.
type Sidecar struct {
	ArtifactID  string    `json:"artifact_id"`
	RunID       string    `json:"run_id"`
	Kind        Kind      `json:"kind"`
	Backend     BackendID `json:"backend"`
	OriginalURL string    `json:"original_url,omitempty"`
	SourcePath  string    `json:"source_path,omitempty"`
	LocalFile   string    `json:"local_filename"`
	SHA256      string    `json:"sha256"`
	CapturedAt  time.Time `json:"captured_at"`
}

// JobStatus enumerates lifecycle states for queued captures.
type JobStatus string

// Job statuses.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Job tracks one capture submitted through the batch runner or the API.
type Job struct {
	ID        string         `json:"job_id"`
	Request   CaptureRequest `json:"request"`
	Status    JobStatus      `json:"status"`
	ErrorText string         `json:"error,omitempty"`
	Submitted time.Time      `json:"submitted_at"`
	Started   *time.Time     `json:"started_at,omitempty"`
	Finished  *time.Time     `json:"finished_at,omitempty"`
	Report    *Report        `json:"report,omitempty"`
}
