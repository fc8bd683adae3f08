// Package fingerprint turns captured files into artifacts carrying exact and
// perceptual fingerprints.
package fingerprint

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/atlosdotorg/atlos/internal/archive"
)

// FileHasher computes exact digests of files.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// PerceptualHasher computes near-duplicate fingerprints. It never fails; an
// unsupported or corrupt file yields an empty slice.
type PerceptualHasher interface {
	Hashes(ctx context.Context, path string) []archive.PerceptualHash
}

// Engine implements archive.Fingerprinter.
type Engine struct {
	exact      FileHasher
	perceptual PerceptualHasher
}

// New builds an Engine. perceptual may be nil to disable perceptual hashing.
func New(exact FileHasher, perceptual PerceptualHasher) *Engine {
	return &Engine{exact: exact, perceptual: perceptual}
}

// Analyze hashes path and returns an Artifact named after its basename.
// The SHA-256 is always present; an I/O error while computing it is returned.
func (e *Engine) Analyze(ctx context.Context, path string, kind archive.Kind, perceptual bool) (archive.Artifact, error) {
	sum, err := e.exact.HashFile(path)
	if err != nil {
		return archive.Artifact{}, fmt.Errorf("checksum %s: %w", path, err)
	}
	hashes := []archive.PerceptualHash{}
	if perceptual && e.perceptual != nil {
		if got := e.perceptual.Hashes(ctx, path); got != nil {
			hashes = got
		}
	}
	return archive.Artifact{
		Kind:             kind,
		File:             filepath.Base(path),
		SHA256:           sum,
		PerceptualHashes: hashes,
	}, nil
}

// WantsPerceptual reports whether artifacts of kind should be perceptually
// hashed. Rendered page captures are only hashed exactly.
func WantsPerceptual(kind archive.Kind) bool {
	switch kind {
	case archive.KindFile, archive.KindMedia, archive.KindDirectFile:
		return true
	default:
		return false
	}
}
