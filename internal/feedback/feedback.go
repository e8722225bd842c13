// Package feedback publishes manual review decisions so downstream
// consumers (classifier tuning, audit) can learn from them. Publishing is
// best-effort: a failed emit never fails the override that caused it.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/drone-ingest/internal/imagery"
)

const (
	eventSource      = "drone-ingest"
	detailTypeAccept = "ImageOverride"
)

// Override is one accepted manual override.
type Override struct {
	ProjectID      string         `json:"project_id"`
	BatchID        string         `json:"batch_id"`
	ImageID        string         `json:"image_id"`
	PreviousStatus imagery.Status `json:"previous_status"`
	Outcome        imagery.Status `json:"outcome"`
	Message        string         `json:"message,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Emitter publishes overrides.
type Emitter interface {
	EmitOverride(ctx context.Context, o Override) error
}

// PutEventsAPI is the EventBridge call the emitter uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, opts ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeEmitter sends overrides to an EventBridge bus.
type EventBridgeEmitter struct {
	client  PutEventsAPI
	busName string
}

var _ Emitter = (*EventBridgeEmitter)(nil)

// NewEventBridgeEmitter creates an emitter for busName. An empty bus name
// uses the account's default bus.
func NewEventBridgeEmitter(client PutEventsAPI, busName string) *EventBridgeEmitter {
	return &EventBridgeEmitter{client: client, busName: busName}
}

func (e *EventBridgeEmitter) EmitOverride(ctx context.Context, o Override) error {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	detail, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal ImageOverride: %w", err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(eventSource),
		DetailType: aws.String(detailTypeAccept),
		Detail:     aws.String(string(detail)),
		Time:       aws.Time(o.Timestamp),
	}
	if e.busName != "" {
		entry.EventBusName = aws.String(e.busName)
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("imageId", o.ImageID).Str("batchId", o.BatchID).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("imageId", o.ImageID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().Str("imageId", o.ImageID).Str("outcome", string(o.Outcome)).Msg("ImageOverride emitted to EventBridge")
	return nil
}
