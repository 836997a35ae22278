package audio

import (
	"fmt"
	"os"
	"os/exec"
)

// Environment overrides for the external tool locations.
const (
	EnvFFmpeg  = "HEARINGPIPE_FFMPEG"
	EnvFFprobe = "HEARINGPIPE_FFPROBE"
)

// Tools holds resolved paths to the external audio binaries.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

// ResolveTools locates ffmpeg and ffprobe. Environment overrides take
// precedence over PATH lookup.
func ResolveTools() (Tools, error) {
	ffmpeg, err := resolveTool(EnvFFmpeg, "ffmpeg", ErrSliceToolMissing)
	if err != nil {
		return Tools{}, err
	}
	ffprobe, err := resolveTool(EnvFFprobe, "ffprobe", ErrProbeUnavailable)
	if err != nil {
		return Tools{}, err
	}
	return Tools{FFmpeg: ffmpeg, FFprobe: ffprobe}, nil
}

func resolveTool(envKey, binary string, missing error) (string, error) {
	if override := os.Getenv(envKey); override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("%w: %s=%s: %v", missing, envKey, override, err)
		}
		return override, nil
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s not on PATH", missing, binary)
	}
	return path, nil
}
