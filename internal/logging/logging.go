// Package logging configures the process-wide zerolog logger.
// Components obtain sub-loggers via Component and attach job context
// with the job_id field so log lines from concurrent jobs interleave
// legibly.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level  string    // optional log level ("debug", "info", etc.)
	Output io.Writer // optional writer (defaults to os.Stderr)
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once.
// Subsequent calls are no-ops.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("HEARINGPIPE_LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stderr
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", "hearingpipe").
			Logger()
	})
}

// Component returns a sub-logger tagged with the given component name.
// Configure is called implicitly with defaults if it hasn't run yet.
func Component(name string) zerolog.Logger {
	Configure(Config{})
	return base.With().Str("component", name).Logger()
}
