package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fpang/drone-ingest/internal/batchview"
	"github.com/fpang/drone-ingest/internal/cli"
	"github.com/fpang/drone-ingest/internal/imagery"
)

func newReviewCmd(a *app) *cobra.Command {
	f := &batchFlags{}
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List the classification outcome of a batch per task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx, "review")
			if err != nil {
				return err
			}
			s.summary.Project(f.project).Batch(f.batchID).Log()

			view, err := loadReview(ctx, s, f)
			if err != nil {
				return err
			}
			printReview(cmd.OutOrStdout(), view)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// loadReview builds a Synchronizer that has fetched the summary, images and
// review once. Its pollers are never started.
func loadReview(ctx context.Context, s *session, f *batchFlags) (*batchview.Synchronizer, error) {
	view := batchview.New(s.client, f.project, f.batchID, batchview.Options{})
	view.Start(ctx, false)
	if err := view.RefreshReview(ctx); err != nil && view.Review() == nil {
		cli.LogFailure(err, "Review fetch failed")
		return nil, err
	}
	return view, nil
}

func printReview(out io.Writer, view *batchview.Synchronizer) {
	if sum, ok := view.Summary(); ok {
		fmt.Fprintln(out, cli.SummaryLine(sum))
	}
	review := view.Review()
	if review == nil {
		return
	}
	for _, g := range review.TaskGroups {
		fmt.Fprintf(out, "%s (%d images)\n", cli.TaskLabel(g), len(g.Images))
		for _, img := range g.Images {
			line := fmt.Sprintf("  %-36s %-28s %s", img.ID, img.Filename, imagery.Style(img.Status).Label)
			if img.RejectionReason != "" {
				line += ": " + img.RejectionReason
			}
			if img.Status.CanOverride() {
				line += " [acceptable]"
			}
			fmt.Fprintln(out, line)
		}
	}
}
