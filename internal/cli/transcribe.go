package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/legiscribe/hearingpipe/internal/audio"
	"github.com/legiscribe/hearingpipe/internal/config"
	"github.com/legiscribe/hearingpipe/internal/format"
	"github.com/legiscribe/hearingpipe/internal/pipeline"
	"github.com/legiscribe/hearingpipe/internal/preflight"
	"github.com/legiscribe/hearingpipe/internal/progress"
	"github.com/legiscribe/hearingpipe/internal/transcribe"
)

// transcribeFlags collects the command's flag values.
type transcribeFlags struct {
	hearingID     string
	language      string
	outputDir     string
	maxConcurrent int
	sequential    bool
	skipPreflight bool
}

// TranscribeCmd returns the transcribe command.
func TranscribeCmd(env *Env) *cobra.Command {
	var flags transcribeFlags

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe a hearing recording",
		Long: `Transcribe a hearing recording into a time-aligned transcript.

Large recordings are split into overlapping slices and submitted in
parallel under a rate limit; the merged transcript is written to the
output directory and recorded against the hearing's database row.

The --hearing id must reference an existing hearing record (see
"hearings add") unless preflight is skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscribe(cmd.Context(), env, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.hearingID, "hearing", "", "hearing id (default: a new random id, requires --skip-preflight)")
	cmd.Flags().StringVar(&flags.language, "language", "", "ISO 639-1 language hint (default: auto-detect)")
	cmd.Flags().StringVar(&flags.outputDir, "output-dir", "", "transcript output directory (overrides env)")
	cmd.Flags().IntVar(&flags.maxConcurrent, "max-concurrent", 0, "max slices in flight (overrides env)")
	cmd.Flags().BoolVar(&flags.sequential, "sequential", false, "submit slices one at a time")
	cmd.Flags().BoolVar(&flags.skipPreflight, "skip-preflight", false, "bypass the preflight checks")

	return cmd
}

func runTranscribe(ctx context.Context, env *Env, audioPath string, flags transcribeFlags) error {
	cfg, err := config.Load(env.Getenv)
	if err != nil {
		return err
	}
	// Flags win over environment.
	if flags.outputDir != "" {
		cfg.OutputDir = flags.outputDir
	}
	if flags.maxConcurrent > 0 {
		cfg.MaxConcurrent = flags.maxConcurrent
	}

	tools, err := env.ToolResolver.Resolve()
	if err != nil {
		return err
	}
	prober, err := audio.NewFFProbe(tools.FFprobe)
	if err != nil {
		return err
	}
	slicer, err := audio.NewFFmpegSlicer(tools.FFmpeg)
	if err != nil {
		return err
	}

	st, err := env.StoreOpener.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	creds := transcribe.NewChainCredential()
	client, err := env.TranscriberFactory.New(creds, cfg.APIBaseURL)
	if err != nil {
		return err
	}

	services, err := pipeline.NewServiceSet(cfg)
	if err != nil {
		return err
	}
	services.Start()
	defer services.Close()

	gate := preflight.NewChecker(prober, client, creds, st, cfg.ScratchRoot)
	pipe := pipeline.New(cfg, services, prober, slicer, client, st,
		pipeline.WithPreflight(gate),
	)

	jobID := flags.hearingID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	handle, err := pipe.Submit(jobID, audioPath, pipeline.SubmitOptions{
		PreferParallel: !flags.sequential,
		SkipPreflight:  flags.skipPreflight,
		Language:       flags.language,
	})
	if err != nil {
		return err
	}

	// Caller interrupt cancels the job; the job's own terminal state
	// unblocks AwaitResult either way.
	go func() {
		<-ctx.Done()
		handle.Cancel()
	}()

	if ch, cancelSub, err := services.Reporter.Subscribe(jobID); err == nil {
		defer cancelSub()
		go reportProgress(env, ch)
	}

	transcript, err := handle.AwaitResult(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintf(env.Stdout, "transcript: %s/%s_transcript.json\n", cfg.OutputDir, jobID)
	fmt.Fprintf(env.Stdout, "  %d segments, %s of audio, language %s\n",
		len(transcript.Segments),
		format.DurationHuman(time.Duration(transcript.Duration*float64(time.Second))),
		transcript.Language,
	)
	return nil
}

// reportProgress prints progress updates until the channel closes.
func reportProgress(env *Env, ch <-chan progress.Record) {
	var lastLine string
	for rec := range ch {
		line := fmt.Sprintf("%s %s", rec.Stage, format.Percent(rec.OverallPercent))
		if rec.ETASeconds > 0 {
			line += fmt.Sprintf(" (eta %s)", format.DurationHuman(time.Duration(rec.ETASeconds*float64(time.Second))))
		}
		if rec.Message != "" {
			line += " " + rec.Message
		}
		if line == lastLine {
			continue
		}
		lastLine = line
		fmt.Fprintln(env.Stderr, line)
	}
}
