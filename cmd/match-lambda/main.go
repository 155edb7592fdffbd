// Package main provides the geolocation matching Lambda.
//
// Two EventBridge rules target the function:
//
//   - MediaIngested events from the ingestion Lambda, when matching is
//     decoupled from ingestion (SITEMEDIA_INGEST_MATCHAFTER=false)
//   - a schedule or manual event with a MatchRequest detail, e.g. a forced
//     re-match after project sites change: {"force": true}
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
	mediaevents "github.com/fpang/site-media-pipeline/internal/events"
	"github.com/fpang/site-media-pipeline/internal/logging"
	"github.com/fpang/site-media-pipeline/internal/metrics"
	"github.com/fpang/site-media-pipeline/internal/pipeline"
)

var coldStart = true

var coordinator *pipeline.Coordinator

// MatchRequest is the detail of a direct (non-ingestion) trigger.
type MatchRequest struct {
	Force bool `json:"force"`
}

// MatchResponse summarizes an invocation.
type MatchResponse struct {
	RunID     string `json:"runId"`
	Total     int    `json:"total"`
	Matched   int    `json:"matched"`
	Unmatched int    `json:"unmatched"`
	Failed    int    `json:"failed"`
}

func init() {
	initStart := time.Now()
	logging.Init()

	settings, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	clients, err := boot.InitAWS(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize AWS clients")
	}

	p, err := boot.Build(context.Background(), settings, clients, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
	}
	coordinator = p.Coordinator

	boot.StartupLog("match-lambda", settings, initStart).Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, event events.CloudWatchEvent) (*MatchResponse, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "match-lambda").Msg("Cold start, first invocation")
	}

	opts, err := optionsFromEvent(event)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, runErr := coordinator.Match(ctx, opts)
	flushMetrics(result, time.Since(start), runErr)
	if result == nil {
		return nil, runErr
	}
	return &MatchResponse{
		RunID:     result.RunID,
		Total:     result.Total,
		Matched:   result.Matched,
		Unmatched: result.Unmatched,
		Failed:    result.Failed,
	}, runErr
}

// optionsFromEvent maps the triggering event to match options. Ingestion
// events only ever request an incremental pass.
func optionsFromEvent(event events.CloudWatchEvent) (pipeline.MatchOptions, error) {
	if event.DetailType == mediaevents.DetailTypeMediaIngested {
		ingested, err := mediaevents.ParseIngested(event.Detail)
		if err != nil {
			return pipeline.MatchOptions{}, err
		}
		log.Info().
			Str("ingestRunId", ingested.RunID).
			Int("count", ingested.Count).
			Msg("Matching after ingestion")
		return pipeline.MatchOptions{}, nil
	}

	var req MatchRequest
	if len(event.Detail) > 0 && string(event.Detail) != "null" {
		if err := json.Unmarshal(event.Detail, &req); err != nil {
			return pipeline.MatchOptions{}, fmt.Errorf("invalid match request: %w", err)
		}
	}
	log.Info().Str("eventId", event.ID).Bool("force", req.Force).Msg("Matching triggered")
	return pipeline.MatchOptions{Force: req.Force}, nil
}

func flushMetrics(result *pipeline.MatchRunResult, elapsed time.Duration, runErr error) {
	rec := metrics.New(metrics.Namespace).
		Dimension("RunKind", pipeline.KindMatch).
		Duration("RunDurationMs", elapsed)
	if runErr != nil {
		rec.Count("RunError").Property("error", runErr.Error())
	}
	if result != nil {
		rec.Counts("MatchTotal", result.Total).
			Counts("MatchMatched", result.Matched).
			Counts("MatchUnmatched", result.Unmatched).
			Counts("MatchFailed", result.Failed).
			Property("runId", result.RunID)
	}
	rec.Flush()
}
