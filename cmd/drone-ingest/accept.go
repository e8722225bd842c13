package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fpang/drone-ingest/internal/cli"
	"github.com/fpang/drone-ingest/internal/imagery"
	"github.com/fpang/drone-ingest/internal/review"
)

func newAcceptCmd(a *app) *cobra.Command {
	f := &batchFlags{}
	var imageID string
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Manually accept a rejected or invalid-EXIF image",
		Long: `Accept overrides the classifier for one image. Only images that are
rejected or have invalid EXIF can be accepted. The backend places the image
in the task whose area contains it; an image outside every task area is
accepted as unmatched and reported as a warning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx, "accept")
			if err != nil {
				return err
			}
			emitter := a.feedback(s)
			s.summary.Project(f.project).Batch(f.batchID).Config("imageId", imageID).Log()

			view, err := loadReview(ctx, s, f)
			if err != nil {
				return err
			}
			ctrl := review.NewController(s.client, view, emitter)

			out := cmd.OutOrStdout()
			res, err := ctrl.Accept(ctx, imageID)
			var rerr *review.Error
			switch {
			case errors.Is(err, review.ErrUnknownImage):
				return fmt.Errorf("image %s is not part of batch %s", imageID, f.batchID)
			case errors.Is(err, review.ErrNotOverridable):
				status, _ := view.StatusOf(imageID)
				return fmt.Errorf("image %s is %s; only %s and %s images can be accepted", imageID,
					imagery.Style(status).Label, imagery.Style(imagery.StatusRejected).Label, imagery.Style(imagery.StatusInvalidEXIF).Label)
			case errors.As(err, &rerr):
				cli.LogFailure(err, "Accept failed")
				return errors.New(rerr.Message)
			case err != nil:
				return err
			}

			if res.Warning {
				fmt.Fprintf(out, "Warning: %s\n", res.Message)
			} else {
				fmt.Fprintln(out, res.Message)
			}
			fmt.Fprintf(out, "%s: %s -> %s\n", res.ImageID, imagery.Style(res.PreviousStatus).Label, imagery.Style(res.Status).Label)
			if sum, ok := view.Summary(); ok {
				fmt.Fprintln(out, cli.SummaryLine(sum))
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&imageID, "image", "", "Image id (required)")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}
