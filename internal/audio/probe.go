package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Metadata describes an audio file as reported by ffprobe.
// Immutable once produced; the pipeline rejects files with zero duration.
type Metadata struct {
	Path       string
	SizeBytes  int64
	Duration   time.Duration
	Codec      string
	SampleRate int // Hz
	Channels   int
	Bitrate    int64 // bits per second, 0 if unreported
}

// Prober extracts audio metadata from a file.
type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

// Compile-time interface implementation check.
var _ Prober = (*FFProbe)(nil)

// FFProbe probes audio files by invoking the ffprobe binary.
// It never retries; callers decide whether a failed probe is fatal.
type FFProbe struct {
	probePath string

	// Injectable dependencies (defaults to OS implementations).
	cmd     outputRunner
	statter fileStatter
}

// FFProbeOption configures an FFProbe.
type FFProbeOption func(*FFProbe)

// WithProbeRunner sets the command runner (for testing).
func WithProbeRunner(r outputRunner) FFProbeOption {
	return func(p *FFProbe) {
		p.cmd = r
	}
}

// WithProbeStatter sets the file statter (for testing).
func WithProbeStatter(s fileStatter) FFProbeOption {
	return func(p *FFProbe) {
		p.statter = s
	}
}

// NewFFProbe creates an FFProbe using the given ffprobe binary path.
func NewFFProbe(probePath string, opts ...FFProbeOption) (*FFProbe, error) {
	if probePath == "" {
		return nil, fmt.Errorf("probePath cannot be empty: %w", ErrProbeUnavailable)
	}

	p := &FFProbe{
		probePath: probePath,
		cmd:       osCommandRunner{},
		statter:   osFileStatter{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// probeOutput mirrors the JSON shape of
// `ffprobe -print_format json -show_format -show_streams`.
// Numeric fields arrive as strings; unknown fields are ignored.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Probe runs ffprobe against path and parses the result.
func (p *FFProbe) Probe(ctx context.Context, path string) (Metadata, error) {
	info, err := p.statter.Stat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	output, err := p.cmd.Output(ctx, p.probePath, args)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrProbeUnavailable, p.probePath)
		}
		if ctx.Err() != nil {
			return Metadata{}, ctx.Err()
		}
		return Metadata{}, fmt.Errorf("%w: ffprobe failed: %v", ErrUnreadableAudio, err)
	}

	meta, err := parseProbeOutput(output)
	if err != nil {
		return Metadata{}, err
	}

	meta.Path = path
	meta.SizeBytes = info.Size()
	return meta, nil
}

// parseProbeOutput decodes ffprobe JSON into Metadata.
// Returns ErrUnreadableAudio on malformed output, missing audio stream,
// or zero duration.
func parseProbeOutput(output []byte) (Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return Metadata{}, fmt.Errorf("%w: invalid probe output: %v", ErrUnreadableAudio, err)
	}

	seconds, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || seconds <= 0 {
		return Metadata{}, fmt.Errorf("%w: bad duration %q", ErrUnreadableAudio, out.Format.Duration)
	}

	var meta Metadata
	meta.Duration = time.Duration(seconds * float64(time.Second))

	if out.Format.BitRate != "" {
		if br, err := strconv.ParseInt(out.Format.BitRate, 10, 64); err == nil {
			meta.Bitrate = br
		}
	}

	found := false
	for _, s := range out.Streams {
		if s.CodecType != "audio" {
			continue
		}
		meta.Codec = s.CodecName
		meta.Channels = s.Channels
		if sr, err := strconv.Atoi(s.SampleRate); err == nil {
			meta.SampleRate = sr
		}
		found = true
		break
	}
	if !found {
		return Metadata{}, fmt.Errorf("%w: no audio stream", ErrUnreadableAudio)
	}

	return meta, nil
}
