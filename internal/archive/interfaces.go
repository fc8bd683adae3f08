package archive

import (
	"context"
	"io"
	"time"
)

// Backend captures a URL into files inside its own scratch directory.
// A non-nil error is reserved for precondition violations; every other
// failure is reported through BackendResult.Succeeded.
type Backend interface {
	ID() BackendID
	Capture(ctx context.Context, url string, scratchDir string) (BackendResult, error)
}

// Fingerprinter turns a file into an Artifact.
type Fingerprinter interface {
	Analyze(ctx context.Context, path string, kind Kind, perceptual bool) (Artifact, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// FingerprintIndex records artifact fingerprints for later duplicate lookups.
type FingerprintIndex interface {
	RecordArtifacts(ctx context.Context, runID string, sourceURL string, artifacts []Artifact) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and artifact IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// JobStore persists capture job state.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	RecordReport(ctx context.Context, jobID string, report Report) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Queue buffers capture jobs waiting for a worker.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Close()
}
