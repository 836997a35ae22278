package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Slicer extracts a time range of an audio file into a self-contained
// output file without re-encoding.
type Slicer interface {
	// Slice copies [start, start+duration] of src into dst.
	// On failure dst is removed, never left partial.
	// Safe to invoke concurrently on the same src (read-only).
	Slice(ctx context.Context, src string, start, duration time.Duration, dst string) error
}

// Compile-time interface implementation check.
var _ Slicer = (*FFmpegSlicer)(nil)

// FFmpegSlicer extracts slices by invoking ffmpeg with stream copy.
// Codec bytes are copied verbatim, preserving sample alignment, so
// extraction cost is I/O-bound rather than CPU-bound.
type FFmpegSlicer struct {
	ffmpegPath string

	// Injectable dependencies (defaults to OS implementations).
	cmd   commandRunner
	files fileRemover
}

// FFmpegSlicerOption configures an FFmpegSlicer.
type FFmpegSlicerOption func(*FFmpegSlicer)

// WithSlicerRunner sets the command runner (for testing).
func WithSlicerRunner(r commandRunner) FFmpegSlicerOption {
	return func(s *FFmpegSlicer) {
		s.cmd = r
	}
}

// WithSlicerFileRemover sets the file remover (for testing).
func WithSlicerFileRemover(f fileRemover) FFmpegSlicerOption {
	return func(s *FFmpegSlicer) {
		s.files = f
	}
}

// NewFFmpegSlicer creates an FFmpegSlicer using the given ffmpeg binary path.
func NewFFmpegSlicer(ffmpegPath string, opts ...FFmpegSlicerOption) (*FFmpegSlicer, error) {
	if ffmpegPath == "" {
		return nil, fmt.Errorf("ffmpegPath cannot be empty: %w", ErrSliceToolMissing)
	}

	s := &FFmpegSlicer{
		ffmpegPath: ffmpegPath,
		cmd:        osCommandRunner{},
		files:      osFileRemover{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Slice extracts [start, start+duration] of src into dst with stream copy.
func (s *FFmpegSlicer) Slice(ctx context.Context, src string, start, duration time.Duration, dst string) error {
	if start < 0 || duration <= 0 {
		return fmt.Errorf("%w: start %v, duration %v", ErrTimeRangeInvalid, start, duration)
	}

	args := []string{
		"-i", src,
		"-ss", FormatTime(start),
		"-t", FormatTime(duration),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-y",
		dst,
	}

	output, err := s.cmd.CombinedOutput(ctx, s.ffmpegPath, args)
	if err != nil {
		// Never leave a partial output behind.
		_ = s.files.Remove(dst)

		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSliceToolMissing, s.ffmpegPath)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v\nOutput: %s", ErrSliceFailed, err, string(output))
	}

	return nil
}

// FormatTime formats a duration for ffmpeg -ss/-t arguments.
func FormatTime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := d.Seconds() - float64(h*3600+m*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", h, m, s)
}
