package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/legiscribe/hearingpipe/internal/config"
	"github.com/legiscribe/hearingpipe/internal/format"
	"github.com/legiscribe/hearingpipe/internal/progress"
)

// StatusCmd returns the status command, which reads a job's persisted
// progress snapshot.
func StatusCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the progress of a transcription job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(env.Getenv)
			if err != nil {
				return err
			}

			rec, err := progress.ReadSnapshot(cfg.ProgressDir, args[0])
			if err != nil {
				return fmt.Errorf("no progress for job %s: %w", args[0], err)
			}

			fmt.Fprintf(env.Stdout, "job:     %s\n", rec.JobID)
			fmt.Fprintf(env.Stdout, "stage:   %s\n", rec.Stage)
			fmt.Fprintf(env.Stdout, "percent: %s\n", format.Percent(rec.OverallPercent))
			if rec.ETASeconds > 0 {
				fmt.Fprintf(env.Stdout, "eta:     %s\n",
					format.DurationHuman(time.Duration(rec.ETASeconds*float64(time.Second))))
			}
			if len(rec.Slices) > 0 {
				counts := make(map[progress.SliceStatus]int)
				for _, s := range rec.Slices {
					counts[s.Status]++
				}
				fmt.Fprintf(env.Stdout, "slices:  %d total", len(rec.Slices))
				for _, st := range []progress.SliceStatus{
					progress.SliceSucceeded, progress.SliceInFlight,
					progress.SliceRetrying, progress.SliceFailed,
				} {
					if n := counts[st]; n > 0 {
						fmt.Fprintf(env.Stdout, ", %d %s", n, st)
					}
				}
				fmt.Fprintln(env.Stdout)
			}
			if rec.Error != "" {
				fmt.Fprintf(env.Stdout, "error:   %s\n", rec.Error)
			}
			fmt.Fprintf(env.Stdout, "updated: %s\n", rec.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}
