package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

type fakeBus struct {
	inputs []*eventbridge.PutEventsInput
	output *eventbridge.PutEventsOutput
	err    error
}

func (f *fakeBus) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.output != nil {
		return f.output, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func TestPublishIngested(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, "site-media")

	err := p.PublishIngested(context.Background(), MediaIngested{
		RunID:       "ingest-1",
		Count:       2,
		ExternalIDs: []string{"a.jpg", "b.jpg"},
	})
	if err != nil {
		t.Fatalf("PublishIngested() error = %v", err)
	}
	if len(bus.inputs) != 1 {
		t.Fatalf("PutEvents called %d times, want 1", len(bus.inputs))
	}

	entry := bus.inputs[0].Entries[0]
	if got := aws.ToString(entry.EventBusName); got != "site-media" {
		t.Errorf("EventBusName = %q, want %q", got, "site-media")
	}
	if got := aws.ToString(entry.Source); got != Source {
		t.Errorf("Source = %q, want %q", got, Source)
	}
	if got := aws.ToString(entry.DetailType); got != DetailTypeMediaIngested {
		t.Errorf("DetailType = %q, want %q", got, DetailTypeMediaIngested)
	}

	event, err := ParseIngested(json.RawMessage(aws.ToString(entry.Detail)))
	if err != nil {
		t.Fatalf("ParseIngested() error = %v", err)
	}
	if event.RunID != "ingest-1" || event.Count != 2 || len(event.ExternalIDs) != 2 {
		t.Errorf("round-tripped event = %+v", event)
	}
}

func TestNewMediaIngested_CapsLargeRuns(t *testing.T) {
	ids := make([]string, 20000)
	for i := range ids {
		ids[i] = fmt.Sprintf("site-uploads/2024-05/project-%04d/IMG_%06d.HEIC", i%700, i)
	}

	event := NewMediaIngested("ingest-backfill", ids)
	if event.Count != len(ids) {
		t.Errorf("Count = %d, want %d", event.Count, len(ids))
	}
	if !event.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(event.ExternalIDs) != MaxIngestedExternalIDs {
		t.Errorf("len(ExternalIDs) = %d, want %d", len(event.ExternalIDs), MaxIngestedExternalIDs)
	}
	if event.ExternalIDs[0] != ids[0] {
		t.Errorf("ExternalIDs[0] = %q, want the first created record", event.ExternalIDs[0])
	}

	bus := &fakeBus{}
	if err := NewPublisher(bus, "site-media").PublishIngested(context.Background(), event); err != nil {
		t.Fatalf("PublishIngested() error = %v", err)
	}
	const entryLimit = 256 * 1024
	if n := len(aws.ToString(bus.inputs[0].Entries[0].Detail)); n >= entryLimit {
		t.Errorf("detail is %d bytes, want under %d", n, entryLimit)
	}
}

func TestNewMediaIngested_SmallRun(t *testing.T) {
	event := NewMediaIngested("ingest-1", []string{"a.jpg", "b.jpg"})
	if event.Truncated || event.Count != 2 || len(event.ExternalIDs) != 2 {
		t.Errorf("NewMediaIngested() = %+v, want all IDs and not truncated", event)
	}
}

func TestPublishMatched_Detail(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, "default")

	if err := p.PublishMatched(context.Background(), MediaMatched{RunID: "match-1", Total: 3, Matched: 2, Unmatched: 1}); err != nil {
		t.Fatalf("PublishMatched() error = %v", err)
	}

	want := `{"runId":"match-1","total":3,"matched":2,"unmatched":1}`
	if got := aws.ToString(bus.inputs[0].Entries[0].Detail); got != want {
		t.Errorf("Detail = %s, want %s", got, want)
	}
}

func TestPublish_Errors(t *testing.T) {
	bus := &fakeBus{err: errors.New("throttled")}
	if err := NewPublisher(bus, "b").PublishMatched(context.Background(), MediaMatched{RunID: "m"}); err == nil {
		t.Error("expected transport error to be returned")
	}

	bus = &fakeBus{output: &eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries: []eventbridgetypes.PutEventsResultEntry{
			{ErrorCode: aws.String("InternalFailure"), ErrorMessage: aws.String("boom")},
		},
	}}
	if err := NewPublisher(bus, "b").PublishMatched(context.Background(), MediaMatched{RunID: "m"}); err == nil {
		t.Error("expected failed entry to be returned as an error")
	}
}

func TestPublisher_Nil(t *testing.T) {
	var p *Publisher
	if err := p.PublishIngested(context.Background(), MediaIngested{RunID: "x"}); err != nil {
		t.Errorf("nil publisher should discard events, got %v", err)
	}
}

func TestParseIngested_Invalid(t *testing.T) {
	if _, err := ParseIngested(json.RawMessage(`{"runId":`)); err == nil {
		t.Error("expected error for truncated detail")
	}
}
