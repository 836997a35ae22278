package audio_test

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/legiscribe/hearingpipe/internal/audio"
)

// ---------------------------------------------------------------------------
// FFmpegSlicer.Slice
// ---------------------------------------------------------------------------

func TestFFmpegSlicer_Slice_Args(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	s, err := audio.NewFFmpegSlicer("ffmpeg", audio.WithSlicerRunner(runner))
	if err != nil {
		t.Fatalf("NewFFmpegSlicer: %v", err)
	}

	err = s.Slice(context.Background(), "/in.mp3", 615*time.Second, 630*time.Second, "/tmp/slice_001.mp3")
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(runner.calls))
	}
	got := strings.Join(runner.calls[0], " ")
	want := "ffmpeg -i /in.mp3 -ss 00:10:15.000 -t 00:10:30.000 -c copy -avoid_negative_ts make_zero -y /tmp/slice_001.mp3"
	if got != want {
		t.Errorf("command:\n got %q\nwant %q", got, want)
	}
}

func TestFFmpegSlicer_Slice_InvalidRange(t *testing.T) {
	t.Parallel()

	s, _ := audio.NewFFmpegSlicer("ffmpeg", audio.WithSlicerRunner(&mockRunner{}))

	tests := []struct {
		name     string
		start    time.Duration
		duration time.Duration
	}{
		{"negative start", -time.Second, time.Minute},
		{"zero duration", 0, 0},
		{"negative duration", time.Minute, -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := s.Slice(context.Background(), "/in.mp3", tt.start, tt.duration, "/out.mp3")
			if !errors.Is(err, audio.ErrTimeRangeInvalid) {
				t.Errorf("err = %v, want ErrTimeRangeInvalid", err)
			}
		})
	}
}

func TestFFmpegSlicer_Slice_FailureRemovesOutput(t *testing.T) {
	t.Parallel()

	remover := &mockRemover{}
	s, _ := audio.NewFFmpegSlicer("ffmpeg",
		audio.WithSlicerRunner(&mockRunner{output: []byte("moov atom not found"), err: errors.New("exit status 1")}),
		audio.WithSlicerFileRemover(remover),
	)

	err := s.Slice(context.Background(), "/in.mp3", 0, time.Minute, "/out/slice_000.mp3")
	if !errors.Is(err, audio.ErrSliceFailed) {
		t.Fatalf("err = %v, want ErrSliceFailed", err)
	}
	if !strings.Contains(err.Error(), "moov atom") {
		t.Errorf("error does not carry ffmpeg stderr: %v", err)
	}
	if len(remover.removed) != 1 || remover.removed[0] != "/out/slice_000.mp3" {
		t.Errorf("removed = %v, want the partial output", remover.removed)
	}
}

func TestFFmpegSlicer_Slice_ToolMissing(t *testing.T) {
	t.Parallel()

	s, _ := audio.NewFFmpegSlicer("ffmpeg",
		audio.WithSlicerRunner(&mockRunner{err: exec.ErrNotFound}),
		audio.WithSlicerFileRemover(&mockRemover{}),
	)

	err := s.Slice(context.Background(), "/in.mp3", 0, time.Minute, "/out.mp3")
	if !errors.Is(err, audio.ErrSliceToolMissing) {
		t.Errorf("err = %v, want ErrSliceToolMissing", err)
	}
}

// ---------------------------------------------------------------------------
// FormatTime
// ---------------------------------------------------------------------------

func TestFormatTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "00:00:00.000"},
		{"subsecond", 250 * time.Millisecond, "00:00:00.250"},
		{"minutes", 10*time.Minute + 15*time.Second, "00:10:15.000"},
		{"hours", 2*time.Hour + 3*time.Minute + 4*time.Second + 500*time.Millisecond, "02:03:04.500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.FormatTime(tt.d); got != tt.want {
				t.Errorf("FormatTime(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}
