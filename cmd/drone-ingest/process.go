package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fpang/drone-ingest/internal/cli"
	"github.com/fpang/drone-ingest/internal/processing"
)

func newProcessCmd(a *app) *cobra.Command {
	f := &batchFlags{}
	var yes bool
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Preview and start processing of a classified batch",
		Long: `Process prints how many images each task will receive, then starts
processing. Processing can only start when at least one task has at least
one assigned image, and only once per batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx, "process")
			if err != nil {
				return err
			}
			s.summary.Project(f.project).Batch(f.batchID).Log()

			out := cmd.OutOrStdout()
			trigger := processing.NewTrigger(s.client, f.project, f.batchID)
			sum, err := trigger.Refresh(ctx)
			if err != nil {
				cli.LogFailure(err, "Processing summary fetch failed")
				return err
			}
			fmt.Fprintf(out, "%d images across %d tasks\n", sum.TotalImages, sum.TotalTasks)
			for _, t := range sum.Tasks {
				fmt.Fprintf(out, "  Task #%d: %d images\n", t.TaskIndex, t.ImageCount)
			}

			if !trigger.CanStart() {
				return errors.New("nothing to process: no task has an assigned image")
			}
			if !yes && !cli.Confirm(cmd.InOrStdin(), out, "Start processing?") {
				fmt.Fprintln(out, "Not started.")
				return nil
			}

			job, err := trigger.Start(ctx)
			var perr *processing.Error
			if errors.As(err, &perr) {
				cli.LogFailure(err, "Start processing failed")
				return errors.New(perr.Message)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Processing started (job %s)\n", job.JobID)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Start without asking for confirmation")
	return cmd
}
