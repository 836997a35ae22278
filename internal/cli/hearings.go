package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/legiscribe/hearingpipe/internal/config"
	"github.com/legiscribe/hearingpipe/internal/store"
)

// HearingsCmd returns the hearings command group.
func HearingsCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hearings",
		Short: "Manage hearing metadata records",
	}
	cmd.AddCommand(hearingsAddCmd(env))
	cmd.AddCommand(hearingsShowCmd(env))
	return cmd
}

func hearingsAddCmd(env *Env) *cobra.Command {
	var (
		id        string
		title     string
		committee string
		date      string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a hearing so it can be transcribed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(env.Getenv)
			if err != nil {
				return err
			}

			day, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("invalid argument: --date must be YYYY-MM-DD: %w", err)
			}
			if id == "" {
				id = uuid.NewString()
			}

			st, err := env.StoreOpener.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			h := store.Hearing{
				ID:        id,
				Title:     title,
				Committee: committee,
				Date:      day,
				UpdatedAt: env.Now(),
			}
			if err := h.Validate(); err != nil {
				return err
			}
			if err := st.CreateHearing(cmd.Context(), h); err != nil {
				return err
			}

			fmt.Fprintln(env.Stdout, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "hearing id (default: a new random id)")
	cmd.Flags().StringVar(&title, "title", "", "hearing title")
	cmd.Flags().StringVar(&committee, "committee", "", "committee name")
	cmd.Flags().StringVar(&date, "date", "", "hearing date, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("committee")
	_ = cmd.MarkFlagRequired("date")

	return cmd
}

func hearingsShowCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <hearing-id>",
		Short: "Show a hearing record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env.Getenv)
			if err != nil {
				return err
			}

			st, err := env.StoreOpener.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			h, err := st.GetHearing(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(env.Stdout, "id:        %s\n", h.ID)
			fmt.Fprintf(env.Stdout, "title:     %s\n", h.Title)
			fmt.Fprintf(env.Stdout, "committee: %s\n", h.Committee)
			fmt.Fprintf(env.Stdout, "date:      %s\n", h.Date.Format("2006-01-02"))
			fmt.Fprintf(env.Stdout, "stage:     %s\n", h.ProcessingStage)
			if h.FullTextContent != "" {
				fmt.Fprintf(env.Stdout, "text:      %d characters\n", len(h.FullTextContent))
			}
			return nil
		},
	}
}
