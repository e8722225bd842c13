// Package awsboot builds the AWS-backed pieces a CLI run needs: the SDK
// config, the S3 clients behind the reference broker, the DynamoDB resume
// journal, the EventBridge feedback emitter, and the SSM token lookup.
// Every helper is optional; an unset table, bus or parameter falls back to
// the local equivalent so the CLI runs without AWS credentials.
package awsboot

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/drone-ingest/internal/auth"
	"github.com/fpang/drone-ingest/internal/feedback"
	"github.com/fpang/drone-ingest/internal/journal"
)

// AWSClients holds the loaded SDK config and the SSM client.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// S3Clients holds S3 client, presigner, and bucket name.
type S3Clients struct {
	Client    *s3.Client
	Presigner *s3.PresignClient
	Bucket    string
}

// InitAWS loads the default AWS config (environment, shared profile or
// instance role).
func InitAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// InitS3 creates an S3 client and presigner for the broker's bucket.
func InitS3(cfg aws.Config, bucket string) (S3Clients, error) {
	if bucket == "" {
		return S3Clients{}, fmt.Errorf("an S3 bucket is required (--bucket or DRONE_INGEST_BUCKET)")
	}
	client := s3.NewFromConfig(cfg)
	return S3Clients{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
		Bucket:    bucket,
	}, nil
}

// InitJournal returns the DynamoDB journal for table, or an in-memory one
// (with a warning) when no table is configured.
func InitJournal(cfg aws.Config, table string) journal.Journal {
	if table == "" {
		log.Warn().Msg("Journal table not set, resume only works within this run")
		return journal.NewMemoryJournal()
	}
	return journal.NewDynamoJournal(dynamodb.NewFromConfig(cfg), table)
}

// InitFeedback returns the EventBridge emitter for bus, or nil when no bus
// is configured.
func InitFeedback(cfg aws.Config, bus string) feedback.Emitter {
	if bus == "" {
		log.Debug().Msg("Feedback bus not set, override events disabled")
		return nil
	}
	return feedback.NewEventBridgeEmitter(eventbridge.NewFromConfig(cfg), bus)
}

// LoadToken resolves the API token, consulting SSM only when param is set.
// A missing token is not an error here: development backends accept
// anonymous calls, and the first rejected request reports it clearly.
func LoadToken(ctx context.Context, ssmClient *ssm.Client, explicit, param string) (string, auth.Source, error) {
	src := auth.Sources{Explicit: explicit, SSMParam: param}
	if ssmClient != nil {
		src.SSM = ssmClient
	}
	token, source, err := auth.GetToken(ctx, src)
	if errors.Is(err, auth.ErrNoToken) {
		log.Warn().Msg("No API token configured, calling the backend anonymously")
		return "", auth.SourceNone, nil
	}
	return token, source, err
}
