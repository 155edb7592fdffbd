// Package events publishes pipeline run notifications to Amazon EventBridge.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// Source is the EventBridge source of every event emitted by the pipeline.
const Source = "site-media-pipeline"

// Detail types.
const (
	DetailTypeMediaIngested = "MediaIngested"
	DetailTypeMediaMatched  = "MediaMatched"
)

// MaxIngestedExternalIDs caps the IDs carried by a MediaIngested event so the
// entry stays well under the 256 KiB EventBridge limit. The run report holds
// the full list.
const MaxIngestedExternalIDs = 500

// MediaIngested is emitted after an ingestion run that created at least one record.
type MediaIngested struct {
	RunID       string   `json:"runId"`
	Count       int      `json:"count"`
	ExternalIDs []string `json:"externalIds"`
	// Truncated is set when ExternalIDs holds only the first
	// MaxIngestedExternalIDs of Count records.
	Truncated bool `json:"truncated,omitempty"`
}

// NewMediaIngested builds the event for a run that created the records
// identified by externalIDs, capping the carried IDs.
func NewMediaIngested(runID string, externalIDs []string) MediaIngested {
	event := MediaIngested{RunID: runID, Count: len(externalIDs), ExternalIDs: externalIDs}
	if len(externalIDs) > MaxIngestedExternalIDs {
		event.ExternalIDs = externalIDs[:MaxIngestedExternalIDs]
		event.Truncated = true
	}
	return event
}

// MediaMatched is emitted after every matching run.
type MediaMatched struct {
	RunID     string `json:"runId"`
	Total     int    `json:"total"`
	Matched   int    `json:"matched"`
	Unmatched int    `json:"unmatched"`
}

// PutEventsAPI is the subset of the EventBridge client used here.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher sends events to one bus. A nil *Publisher discards events.
type Publisher struct {
	client  PutEventsAPI
	busName string
}

func NewPublisher(client PutEventsAPI, busName string) *Publisher {
	return &Publisher{client: client, busName: busName}
}

func (p *Publisher) PublishIngested(ctx context.Context, event MediaIngested) error {
	return p.put(ctx, DetailTypeMediaIngested, event.RunID, event)
}

func (p *Publisher) PublishMatched(ctx context.Context, event MediaMatched) error {
	return p.put(ctx, DetailTypeMediaMatched, event.RunID, event)
}

func (p *Publisher) put(ctx context.Context, detailType, runID string, event any) error {
	if p == nil {
		return nil
	}

	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", detailType, err)
	}

	input := &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{
			{
				EventBusName: aws.String(p.busName),
				Source:       aws.String(Source),
				DetailType:   aws.String(detailType),
				Detail:       aws.String(string(detail)),
			},
		},
	}

	result, err := p.client.PutEvents(ctx, input)
	if err != nil {
		log.Error().Err(err).Str("runId", runID).Str("detailType", detailType).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("runId", runID).
					Str("detailType", detailType).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().Str("runId", runID).Str("detailType", detailType).Str("bus", p.busName).Msg("Event emitted to EventBridge")
	return nil
}

// ParseIngested decodes the detail of a MediaIngested event.
func ParseIngested(detail json.RawMessage) (MediaIngested, error) {
	var event MediaIngested
	if err := json.Unmarshal(detail, &event); err != nil {
		return MediaIngested{}, fmt.Errorf("unmarshal %s: %w", DetailTypeMediaIngested, err)
	}
	return event, nil
}
