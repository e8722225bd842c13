package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/awsboot"
	"github.com/fpang/drone-ingest/internal/config"
	"github.com/fpang/drone-ingest/internal/feedback"
	"github.com/fpang/drone-ingest/internal/journal"
	"github.com/fpang/drone-ingest/internal/logging"
	"github.com/fpang/drone-ingest/internal/metrics"
)

// app holds the global flags and the configuration resolved from them.
type app struct {
	apiURL   string
	token    string
	logLevel string
	logJSON  bool

	cfg *config.Config
	// metricsOut receives EMF lines when metrics are enabled.
	metricsOut io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{metricsOut: os.Stdout}

	root := &cobra.Command{
		Use:   "drone-ingest",
		Short: "Upload drone imagery, follow classification, review overrides and start processing",
		Long: `drone-ingest moves drone imagery into a mapping project.

Images are uploaded in parts straight to object storage through signed URLs
brokered by the backend. Staging uploads form a batch that the backend
classifies against the project's task areas; watch follows that
classification, review lists the outcome per task, accept overrides a
rejected image, and process starts per-task processing.

Configuration comes from DRONE_INGEST_* environment variables; flags
override them.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.apiURL, "api-url", "", "Backend API root (default $DRONE_INGEST_API_URL or "+config.DefaultAPIURL+")")
	pf.StringVar(&a.token, "token", "", "API bearer token (default $DRONE_INGEST_TOKEN, SSM parameter, or ~/.drone-ingest/credentials.gpg)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (default $DRONE_INGEST_LOG_LEVEL or info)")
	pf.BoolVar(&a.logJSON, "log-json", false, "Write JSON log lines instead of console output")

	root.AddCommand(
		newUploadCmd(a),
		newWatchCmd(a),
		newReviewCmd(a),
		newAcceptCmd(a),
		newProcessCmd(a),
		newBrokerCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	logging.Init(logging.Options{Level: a.logLevel, JSON: a.logJSON, Out: cmd.ErrOrStderr()})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.apiURL != "" {
		cfg.APIURL = a.apiURL
	}
	a.cfg = cfg
	return nil
}

// session is what a backend-facing subcommand works with.
type session struct {
	client  *api.Client
	aws     *awsboot.AWSClients
	summary *logging.RunSummary
}

// connect validates the configuration, loads AWS only when an AWS-backed
// resource is configured, and resolves the token.
func (a *app) connect(ctx context.Context, command string) (*session, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	s := &session{
		summary: logging.NewRunSummary(command).Version(version, commitHash).API(a.cfg.APIURL),
	}
	if a.cfg.TokenSSMParam != "" || a.cfg.JournalTable != "" || a.cfg.FeedbackBus != "" {
		clients, err := awsboot.InitAWS(ctx)
		if err != nil {
			return nil, err
		}
		s.aws = &clients
	}

	var ssmClient *ssm.Client
	if s.aws != nil {
		ssmClient = s.aws.SSM
	}
	token, source, err := awsboot.LoadToken(ctx, ssmClient, a.token, a.cfg.TokenSSMParam)
	if err != nil {
		return nil, err
	}
	s.client = api.NewClient(a.cfg.APIURL, token)
	s.summary.
		Config("tokenSource", string(source)).
		Resource("tokenParam", a.cfg.TokenSSMParam)
	return s, nil
}

func (a *app) journal(s *session) journal.Journal {
	s.summary.Resource("journalTable", a.cfg.JournalTable).Feature("durableResume", a.cfg.JournalTable != "")
	if s.aws == nil {
		return journal.NewMemoryJournal()
	}
	return awsboot.InitJournal(s.aws.Config, a.cfg.JournalTable)
}

func (a *app) feedback(s *session) feedback.Emitter {
	s.summary.Resource("feedbackBus", a.cfg.FeedbackBus).Feature("feedback", a.cfg.FeedbackBus != "")
	if s.aws == nil {
		return nil
	}
	return awsboot.InitFeedback(s.aws.Config, a.cfg.FeedbackBus)
}

func (a *app) metrics(s *session) *metrics.Sink {
	s.summary.Feature("metrics", a.cfg.Metrics)
	if !a.cfg.Metrics {
		return nil
	}
	return metrics.NewSink(a.metricsOut, metrics.Namespace)
}

// signalContext cancels on interrupt so in-flight uploads are aborted.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
