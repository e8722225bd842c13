package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/drone-ingest/internal/batchview"
	"github.com/fpang/drone-ingest/internal/cli"
	"github.com/fpang/drone-ingest/internal/imagery"
)

type batchFlags struct {
	project string
	batchID string
}

func (f *batchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "Project id (required)")
	cmd.Flags().StringVarP(&f.batchID, "batch", "b", "", "Staging batch id (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("batch")
}

func newWatchCmd(a *app) *cobra.Command {
	f := &batchFlags{}
	var summaryEvery, imagesEvery time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow classification of a staging batch until it completes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			s, err := a.connect(ctx, "watch")
			if err != nil {
				return err
			}
			s.summary.Project(f.project).Batch(f.batchID).Log()

			_, err = watchBatch(ctx, s.client, f.project, f.batchID, cmd.OutOrStdout(), batchview.Options{
				SummaryInterval: summaryEvery,
				ImagesInterval:  imagesEvery,
			})
			return err
		},
	}
	f.register(cmd)
	cmd.Flags().DurationVar(&summaryEvery, "summary-interval", batchview.DefaultSummaryInterval, "Summary poll interval")
	cmd.Flags().DurationVar(&imagesEvery, "images-interval", batchview.DefaultImagesInterval, "Image list poll interval")
	_ = cmd.Flags().MarkHidden("summary-interval")
	_ = cmd.Flags().MarkHidden("images-interval")
	return cmd
}

// watchBatch runs a Synchronizer until classification completes or ctx is
// canceled, printing a line whenever the summary changes.
func watchBatch(ctx context.Context, src batchview.Source, projectID, batchID string, out io.Writer, opts batchview.Options) (imagery.BatchStatusSummary, error) {
	done := make(chan imagery.BatchStatusSummary, 1)

	var last string
	opts.OnSummary = func(s imagery.BatchStatusSummary) {
		if line := cli.SummaryLine(s); line != last {
			last = line
			fmt.Fprintln(out, line)
		}
	}
	opts.OnComplete = func(s imagery.BatchStatusSummary) {
		done <- s
	}

	view := batchview.New(src, projectID, batchID, opts)
	view.Start(ctx, true)
	defer view.Close()

	select {
	case sum := <-done:
		// The image poll only returns records uploaded after the watermark,
		// so records seen before classification keep their old status. New
		// records come from one more image fetch; current statuses come from
		// the review.
		if err := view.RefreshImages(ctx); err != nil {
			cli.LogFailure(err, "Final image refresh failed")
		}
		if err := view.RefreshReview(ctx); err != nil {
			cli.LogFailure(err, "Final review refresh failed")
		}
		images := view.Images()
		counts := make(map[imagery.Status]int)
		for _, img := range images {
			st, _ := view.StatusOf(img.ID)
			counts[st]++
		}
		line := fmt.Sprintf("Classification complete: %d images", len(images))
		if c := cli.StatusCounts(counts); c != "" {
			line += " (" + c + ")"
		}
		fmt.Fprintln(out, line)
		return sum, nil
	case <-ctx.Done():
		sum, _ := view.Summary()
		return sum, ctx.Err()
	}
}
