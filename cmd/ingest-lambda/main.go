// Package main provides the scheduled ingestion Lambda.
//
// An EventBridge schedule invokes the function; each invocation runs one
// ingestion pass over the configured media source and, when
// SITEMEDIA_INGEST_MATCHAFTER is true, a matching pass over unmatched
// records. Configuration comes from SITEMEDIA_* environment variables.
//
// The schedule's input may override the container and the chained match:
//
//	{
//	  "container": "site-uploads/2024-05",
//	  "matchAfter": false
//	}
//
// Run metrics are written to stdout as CloudWatch EMF.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/site-media-pipeline/internal/boot"
	"github.com/fpang/site-media-pipeline/internal/config"
	"github.com/fpang/site-media-pipeline/internal/logging"
	"github.com/fpang/site-media-pipeline/internal/metrics"
	"github.com/fpang/site-media-pipeline/internal/pipeline"
)

var coldStart = true

// Pipeline wired at cold start.
var (
	settings    *config.Settings
	coordinator *pipeline.Coordinator
)

// IngestRequest is the optional detail of the scheduled event.
type IngestRequest struct {
	Container  *string `json:"container,omitempty"`
	MatchAfter *bool   `json:"matchAfter,omitempty"`
}

// IngestResponse summarizes an invocation. Per-item records stay in the run
// report; Lambda responses are size-limited.
type IngestResponse struct {
	RunID          string          `json:"runId"`
	Count          int             `json:"count"`
	Counts         pipeline.Counts `json:"counts"`
	MatchRunID     string          `json:"matchRunId,omitempty"`
	MatchMatched   int             `json:"matchMatched,omitempty"`
	MatchUnmatched int             `json:"matchUnmatched,omitempty"`
}

func init() {
	initStart := time.Now()
	logging.Init()

	var err error
	settings, err = config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	clients, err := boot.InitAWS(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize AWS clients")
	}

	// Lambda metrics go through EMF, so no Prometheus registry.
	p, err := boot.Build(context.Background(), settings, clients, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
	}
	coordinator = p.Coordinator

	boot.StartupLog("ingest-lambda", settings, initStart).Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, event events.CloudWatchEvent) (*IngestResponse, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "ingest-lambda").Msg("Cold start, first invocation")
	}

	container, matchAfter, err := resolveRequest(event.Detail, settings.Source.Container, settings.Ingest.MatchAfter)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("eventId", event.ID).
		Str("container", container).
		Bool("matchAfter", matchAfter).
		Msg("Ingestion triggered")

	start := time.Now()
	outcome, runErr := coordinator.Ingest(ctx, container, matchAfter)
	flushMetrics(outcome, time.Since(start), runErr)
	if outcome == nil {
		return nil, runErr
	}
	return summarize(outcome), runErr
}

// resolveRequest applies the event's overrides to the configured defaults.
// An empty or null detail keeps the defaults.
func resolveRequest(detail json.RawMessage, container string, matchAfter bool) (string, bool, error) {
	if len(detail) == 0 || string(detail) == "null" {
		return container, matchAfter, nil
	}
	var req IngestRequest
	if err := json.Unmarshal(detail, &req); err != nil {
		return "", false, fmt.Errorf("invalid ingest request: %w", err)
	}
	if req.Container != nil {
		container = *req.Container
	}
	if req.MatchAfter != nil {
		matchAfter = *req.MatchAfter
	}
	return container, matchAfter, nil
}

func summarize(outcome *pipeline.IngestOutcome) *IngestResponse {
	resp := &IngestResponse{
		RunID:  outcome.Ingestion.RunID,
		Count:  outcome.Ingestion.Count,
		Counts: outcome.Ingestion.Counts,
	}
	if m := outcome.Matching; m != nil {
		resp.MatchRunID = m.RunID
		resp.MatchMatched = m.Matched
		resp.MatchUnmatched = m.Unmatched
	}
	return resp
}

func flushMetrics(outcome *pipeline.IngestOutcome, elapsed time.Duration, runErr error) {
	rec := metrics.New(metrics.Namespace).
		Dimension("RunKind", pipeline.KindIngest).
		Duration("RunDurationMs", elapsed)
	if runErr != nil {
		rec.Count("RunError").Property("error", runErr.Error())
	}
	if outcome != nil {
		c := outcome.Ingestion.Counts
		rec.Counts("ItemsListed", c.Listed).
			Counts("ItemsDeduplicated", c.DeduplicatedOut).
			Counts("ItemsSucceeded", c.Succeeded).
			Counts("ItemsFailed", c.Failed).
			Counts("ItemsSkipped", c.Skipped).
			Property("runId", outcome.Ingestion.RunID)
		if m := outcome.Matching; m != nil {
			rec.Counts("MatchMatched", m.Matched).
				Counts("MatchUnmatched", m.Unmatched).
				Property("matchRunId", m.RunID)
		}
	}
	rec.Flush()
}
