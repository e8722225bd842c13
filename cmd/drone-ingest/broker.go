package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/drone-ingest/internal/awsboot"
	"github.com/fpang/drone-ingest/internal/broker"
	"github.com/fpang/drone-ingest/internal/logging"
	"github.com/fpang/drone-ingest/internal/metrics"
)

func newBrokerCmd(a *app) *cobra.Command {
	var bucket, addr, brokerToken string
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Serve the reference multipart upload broker backed by S3",
		Long: `Broker serves the multipart upload endpoints against an S3 bucket using the
default AWS credential chain. Point upload at it with --api-url to ingest into
your own bucket without the full imagery backend. Only the upload endpoints
are served; classification needs the backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bucket == "" {
				bucket = a.cfg.Bucket
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			clients, err := awsboot.InitAWS(ctx)
			if err != nil {
				return err
			}
			s3c, err := awsboot.InitS3(clients.Config, bucket)
			if err != nil {
				return err
			}

			var sink *metrics.Sink
			if a.cfg.Metrics {
				sink = metrics.NewSink(a.metricsOut, metrics.Namespace)
			}
			handler := broker.New(s3c.Client, s3c.Presigner, broker.Options{
				Bucket:  s3c.Bucket,
				Token:   brokerToken,
				Metrics: sink,
			})

			logging.NewRunSummary("broker").
				Version(version, commitHash).
				Resource("bucket", s3c.Bucket).
				Config("addr", addr).
				Config("region", clients.Config.Region).
				Feature("auth", brokerToken != "").
				Feature("metrics", a.cfg.Metrics).
				Log()

			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("Broker listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info().Msg("Broker stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket receiving uploads (default $DRONE_INGEST_BUCKET)")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&brokerToken, "require-token", "", "Bearer token clients must present (empty disables auth)")
	return cmd
}
