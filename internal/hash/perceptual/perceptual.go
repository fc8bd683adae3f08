// Package perceptual computes near-duplicate fingerprints for image and video media.
//
// Images get a DCT perceptual hash (phash). Videos get a temporal level-1
// descriptor (tmk_l1): frames are decoded to small grayscale rasters, averaged
// over time, and the mean frame is hashed with the same DCT hash. Any failure
// degrades to "no perceptual hash"; nothing in this package returns an error
// to the caller of Hashes.
package perceptual

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder

	"github.com/atlosdotorg/atlos/internal/archive"
)

// FrameSize is the edge length of the grayscale rasters videos are decoded to.
const FrameSize = 64

// FrameDecoder streams decoded grayscale frames of FrameSize x FrameSize bytes.
type FrameDecoder interface {
	Decode(ctx context.Context, path string, size int, onFrame func(frame []byte) error) error
}

// Hasher computes perceptual hashes.
type Hasher struct {
	frames FrameDecoder
	logger *zap.Logger
}

// Option configures the Hasher.
type Option func(*Hasher)

// WithFrameDecoder swaps the video frame source (primarily for tests).
func WithFrameDecoder(decoder FrameDecoder) Option {
	return func(h *Hasher) {
		if decoder != nil {
			h.frames = decoder
		}
	}
}

// New builds a Hasher that decodes video with the given ffmpeg binary.
func New(ffmpegBinary string, logger *zap.Logger, opts ...Option) *Hasher {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hasher{
		frames: NewFFmpegDecoder(ffmpegBinary),
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hashes returns the perceptual hashes for path, or an empty slice when the
// media type is not hashable or hashing fails.
func (h *Hasher) Hashes(ctx context.Context, path string) []archive.PerceptualHash {
	mimeType := DetectMIME(path)
	switch {
	case IsHashableImage(mimeType):
		value, err := h.imageHash(path)
		if err != nil {
			h.logger.Warn("perceptual image hash failed",
				zap.String("path", path), zap.String("mime", mimeType), zap.Error(err))
			return []archive.PerceptualHash{}
		}
		return []archive.PerceptualHash{{Algorithm: archive.AlgorithmPHash, Value: value}}
	case IsVideo(mimeType):
		value, err := h.videoHash(ctx, path)
		if err != nil {
			h.logger.Warn("perceptual video hash failed",
				zap.String("path", path), zap.String("mime", mimeType), zap.Error(err))
			return []archive.PerceptualHash{}
		}
		return []archive.PerceptualHash{{Algorithm: archive.AlgorithmTMKL1, Value: value}}
	default:
		return []archive.PerceptualHash{}
	}
}

func (h *Hasher) imageHash(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- artifact paths come from backend scratch dirs.
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return hashImage(img)
}

func (h *Hasher) videoHash(ctx context.Context, path string) (string, error) {
	area := FrameSize * FrameSize
	sums := make([]uint64, area)
	frames := 0
	err := h.frames.Decode(ctx, path, FrameSize, func(frame []byte) error {
		if len(frame) != area {
			return fmt.Errorf("frame has %d bytes, want %d", len(frame), area)
		}
		for i, px := range frame {
			sums[i] += uint64(px)
		}
		frames++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("decode frames: %w", err)
	}
	if frames == 0 {
		return "", fmt.Errorf("no frames decoded")
	}

	mean := image.NewGray(image.Rect(0, 0, FrameSize, FrameSize))
	for i, total := range sums {
		mean.Pix[i] = uint8(total / uint64(frames)) // #nosec G115 -- average of uint8 values fits.
	}
	return hashImage(mean)
}

func hashImage(img image.Image) (string, error) {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("perception hash: %w", err)
	}
	return fmt.Sprintf("%016x", hash.GetHash()), nil
}

// DetectMIME sniffs the file content, falling back to the extension when the
// content is not recognised.
func DetectMIME(path string) string {
	if detected, err := mimetype.DetectFile(path); err == nil {
		if value := baseType(detected.String()); value != "" && value != "application/octet-stream" {
			return value
		}
	}
	if byExt := baseType(mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// IsHashableImage reports raster image types (vector formats are excluded).
func IsHashableImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") && !strings.HasPrefix(mimeType, "image/svg")
}

// IsVideo reports video MIME types.
func IsVideo(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/")
}

func baseType(value string) string {
	if value == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return parsed
}
