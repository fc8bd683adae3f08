package perceptual

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegDecoder decodes video frames by piping raw grayscale output from ffmpeg.
type FFmpegDecoder struct {
	binary string
	fps    int
}

// NewFFmpegDecoder returns a decoder sampling one frame per second.
func NewFFmpegDecoder(binary string) *FFmpegDecoder {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegDecoder{binary: binary, fps: 1}
}

// Decode runs ffmpeg and calls onFrame for every size x size frame it emits.
func (d *FFmpegDecoder) Decode(ctx context.Context, path string, size int, onFrame func([]byte) error) error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}
	args := []string{
		"-v", "error",
		"-nostdin",
		"-i", path,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", d.fps, size, size),
		"-pix_fmt", "gray",
		"-f", "rawvideo",
		"-",
	}
	cmd := exec.CommandContext(ctx, d.binary, args...) // #nosec G204 -- argv only, no shell.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	readErr := readFrames(bufio.NewReader(stdout), size*size, onFrame)
	if readErr != nil {
		// Drain so ffmpeg can exit before Wait.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	if readErr != nil {
		return readErr
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func readFrames(r io.Reader, frameBytes int, onFrame func([]byte) error) error {
	buf := make([]byte, frameBytes)
	for index := 0; ; index++ {
		_, err := io.ReadFull(r, buf)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			// Trailing partial frame; ignore it.
			return nil
		default:
			return fmt.Errorf("read frame %s: %w", strconv.Itoa(index), err)
		}
		if err := onFrame(buf); err != nil {
			return err
		}
	}
}
