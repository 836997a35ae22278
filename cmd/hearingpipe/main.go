package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/legiscribe/hearingpipe/internal/apierr"
	"github.com/legiscribe/hearingpipe/internal/audio"
	"github.com/legiscribe/hearingpipe/internal/cli"
	"github.com/legiscribe/hearingpipe/internal/config"
	"github.com/legiscribe/hearingpipe/internal/logging"
	"github.com/legiscribe/hearingpipe/internal/pipeline"
	"github.com/legiscribe/hearingpipe/internal/plan"
	"github.com/legiscribe/hearingpipe/internal/preflight"
	"github.com/legiscribe/hearingpipe/internal/transcribe"
)

// Injected at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitGeneral       = 1
	ExitUsage         = 2
	ExitSetup         = 3
	ExitValidation    = 4
	ExitTranscription = 5
	ExitInterrupt     = 130
)

func main() {
	// Load .env file if present (ignore error if missing).
	_ = godotenv.Load()

	logging.Configure(logging.Config{})

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env := cli.DefaultEnv()

	rootCmd := &cobra.Command{
		Use:     "hearingpipe",
		Short:   "Transcribe legislative hearing recordings",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(cli.TranscribeCmd(env))
	rootCmd.AddCommand(cli.StatusCmd(env))
	rootCmd.AddCommand(cli.HearingsCmd(env))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors to exit codes.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	// Interrupt.
	if errors.Is(err, context.Canceled) || errors.Is(err, pipeline.ErrCancelled) {
		return ExitInterrupt
	}

	// Usage errors: Cobra flag/arg parsing failures.
	if isCobraUsageError(err) {
		return ExitUsage
	}

	// Setup errors: missing tools or credentials.
	if errors.Is(err, audio.ErrSliceToolMissing) || errors.Is(err, audio.ErrProbeUnavailable) ||
		errors.Is(err, transcribe.ErrCredentialMissing) {
		return ExitSetup
	}

	// Validation errors: preflight, configuration, planning.
	var preflightErr *preflight.Error
	if errors.As(err, &preflightErr) || errors.Is(err, config.ErrInvalidConfig) ||
		errors.Is(err, plan.ErrPlanInfeasible) || errors.Is(err, audio.ErrUnreadableAudio) ||
		errors.Is(err, audio.ErrNotFound) {
		return ExitValidation
	}

	// Transcription errors: API failures and exhausted retries.
	var (
		trErr  *pipeline.TranscriptionError
		rejErr *pipeline.RejectionError
	)
	if errors.As(err, &trErr) || errors.As(err, &rejErr) ||
		errors.Is(err, apierr.ErrRateLimit) || errors.Is(err, apierr.ErrQuotaExceeded) ||
		errors.Is(err, apierr.ErrTimeout) || errors.Is(err, apierr.ErrAuthFailed) {
		return ExitTranscription
	}

	return ExitGeneral
}

// cobraUsageErrorPatterns contains error message substrings that
// indicate Cobra usage errors. Cobra doesn't expose typed errors, so
// string matching is the only reliable approach.
var cobraUsageErrorPatterns = []string{
	"required flag",
	"unknown flag",
	"unknown shorthand",
	"flag needs an argument",
	"invalid argument",
	"if any flags in the group",
	"accepts ",
	"requires at least",
	"requires at most",
}

// isCobraUsageError checks if an error is a Cobra usage/parsing error.
func isCobraUsageError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	for _, pattern := range cobraUsageErrorPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}
