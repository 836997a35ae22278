// Package config resolves pipeline settings from the environment.
// Values are read once at startup; a .env file, when present, is
// loaded by the caller before Load runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrInvalidConfig wraps any unparseable or out-of-range setting.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variable names.
const (
	EnvMaxUploadBytes      = "HEARINGPIPE_MAX_UPLOAD_BYTES"
	EnvOverlapSeconds      = "HEARINGPIPE_OVERLAP_SECONDS"
	EnvMaxConcurrent       = "HEARINGPIPE_MAX_CONCURRENT_SLICES"
	EnvRateLimitCapacity   = "HEARINGPIPE_RATE_LIMIT_CAPACITY"
	EnvRateLimitRefill     = "HEARINGPIPE_RATE_LIMIT_REFILL_PER_S"
	EnvScratchRoot         = "HEARINGPIPE_SCRATCH_ROOT"
	EnvMemoryCapMB         = "HEARINGPIPE_MEMORY_CAP_MB"
	EnvRetentionHours      = "HEARINGPIPE_RETENTION_HOURS_PROGRESS"
	EnvOutputDir           = "HEARINGPIPE_OUTPUT_DIR"
	EnvProgressDir         = "HEARINGPIPE_PROGRESS_DIR"
	EnvDBPath              = "HEARINGPIPE_DB_PATH"
	EnvAPIBaseURL          = "HEARINGPIPE_API_BASE_URL"
	EnvPromptCarry         = "HEARINGPIPE_PROMPT_CARRY"
)

// Defaults.
const (
	DefaultMaxUploadBytes    = 20 << 20
	DefaultOverlapSeconds    = 30
	DefaultMaxConcurrent     = 3
	DefaultRateLimitCapacity = 20.0
	DefaultRateLimitRefill   = 20.0 / 60.0
	DefaultMemoryCapMB       = 200
	DefaultRetentionHours    = 24
	DefaultDBPath            = "hearings.db"
)

// Config carries every knob the pipeline recognises.
type Config struct {
	// MaxUploadBytes is the per-request payload bound; inputs above it
	// are chunked.
	MaxUploadBytes int64
	// Overlap is the audio shared between adjacent slices.
	Overlap time.Duration
	// MaxConcurrent bounds simultaneous slice submissions.
	MaxConcurrent int
	// RateLimitCapacity and RateLimitRefill shape the submission
	// token bucket.
	RateLimitCapacity float64
	RateLimitRefill   float64
	// ScratchRoot hosts the leased scratch directories.
	ScratchRoot string
	// MemoryCapBytes is the process RSS pressure threshold.
	MemoryCapBytes uint64
	// ProgressRetention is the age at which snapshot files are pruned.
	ProgressRetention time.Duration
	// OutputDir receives the persisted transcript JSON files.
	OutputDir string
	// ProgressDir receives the per-job progress snapshots.
	ProgressDir string
	// DBPath locates the hearings metadata database.
	DBPath string
	// APIBaseURL overrides the transcription endpoint, empty for the
	// service default.
	APIBaseURL string
	// PromptCarry forwards the tail of the previous slice's text as a
	// prompt for the next one.
	PromptCarry bool
}

// Load reads settings from getenv, applying defaults for anything
// unset. Pass os.Getenv outside tests.
func Load(getenv func(string) string) (Config, error) {
	cfg := Config{
		MaxUploadBytes:    DefaultMaxUploadBytes,
		Overlap:           DefaultOverlapSeconds * time.Second,
		MaxConcurrent:     DefaultMaxConcurrent,
		RateLimitCapacity: DefaultRateLimitCapacity,
		RateLimitRefill:   DefaultRateLimitRefill,
		ScratchRoot:       filepath.Join(os.TempDir(), "hearingpipe"),
		MemoryCapBytes:    DefaultMemoryCapMB << 20,
		ProgressRetention: DefaultRetentionHours * time.Hour,
		OutputDir:         ".",
		ProgressDir:       filepath.Join(os.TempDir(), "hearingpipe", "progress"),
		DBPath:            DefaultDBPath,
	}

	var err error
	if cfg.MaxUploadBytes, err = int64Env(getenv, EnvMaxUploadBytes, cfg.MaxUploadBytes); err != nil {
		return Config{}, err
	}
	if secs, err := intEnv(getenv, EnvOverlapSeconds, DefaultOverlapSeconds); err != nil {
		return Config{}, err
	} else {
		cfg.Overlap = time.Duration(secs) * time.Second
	}
	if cfg.MaxConcurrent, err = intEnv(getenv, EnvMaxConcurrent, cfg.MaxConcurrent); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitCapacity, err = floatEnv(getenv, EnvRateLimitCapacity, cfg.RateLimitCapacity); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitRefill, err = floatEnv(getenv, EnvRateLimitRefill, cfg.RateLimitRefill); err != nil {
		return Config{}, err
	}
	if capMB, err := intEnv(getenv, EnvMemoryCapMB, DefaultMemoryCapMB); err != nil {
		return Config{}, err
	} else {
		cfg.MemoryCapBytes = uint64(capMB) << 20
	}
	if hours, err := intEnv(getenv, EnvRetentionHours, DefaultRetentionHours); err != nil {
		return Config{}, err
	} else {
		cfg.ProgressRetention = time.Duration(hours) * time.Hour
	}

	if v := getenv(EnvScratchRoot); v != "" {
		cfg.ScratchRoot = v
	}
	if v := getenv(EnvOutputDir); v != "" {
		cfg.OutputDir = v
	}
	if v := getenv(EnvProgressDir); v != "" {
		cfg.ProgressDir = v
	}
	if v := getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	cfg.APIBaseURL = getenv(EnvAPIBaseURL)

	if v := getenv(EnvPromptCarry); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvPromptCarry, v, err)
		}
		cfg.PromptCarry = b
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks range constraints across the resolved settings.
func (c Config) Validate() error {
	switch {
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("%w: max upload bytes must be positive", ErrInvalidConfig)
	case c.Overlap <= 0:
		return fmt.Errorf("%w: overlap must be positive", ErrInvalidConfig)
	case c.MaxConcurrent <= 0:
		return fmt.Errorf("%w: max concurrent slices must be positive", ErrInvalidConfig)
	case c.RateLimitCapacity <= 0 || c.RateLimitRefill <= 0:
		return fmt.Errorf("%w: rate limit capacity and refill must be positive", ErrInvalidConfig)
	case c.MemoryCapBytes == 0:
		return fmt.Errorf("%w: memory cap must be positive", ErrInvalidConfig)
	case c.ProgressRetention <= 0:
		return fmt.Errorf("%w: progress retention must be positive", ErrInvalidConfig)
	}
	return nil
}

func intEnv(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return n, nil
}

func int64Env(getenv func(string) string, key string, def int64) (int64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return n, nil
}

func floatEnv(getenv func(string) string, key string, def float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return f, nil
}
