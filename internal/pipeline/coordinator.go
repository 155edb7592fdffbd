package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/site-media-pipeline/internal/events"
	"github.com/fpang/site-media-pipeline/internal/metrics"
)

// EventPublisher announces finished runs.
type EventPublisher interface {
	PublishIngested(ctx context.Context, event events.MediaIngested) error
	PublishMatched(ctx context.Context, event events.MediaMatched) error
}

// ReportWriter persists the structured result of a run.
type ReportWriter interface {
	Write(ctx context.Context, kind, runID string, report any) (string, error)
}

// Run kinds.
const (
	KindIngest = "ingest"
	KindMatch  = "match"
)

// Coordinator is the trigger surface: it starts runs, optionally chains
// matching after ingestion, and answers status queries. Events and Reports
// are optional; their failures are logged and never fail a run.
type Coordinator struct {
	Ingestion *IngestionRunner
	Matching  *GeoMatchRunner
	Stats     *StatsCollector
	Events    EventPublisher
	Reports   ReportWriter
	Metrics   *metrics.PipelineMetrics
}

// IngestOutcome pairs an ingestion result with the optional chained match.
type IngestOutcome struct {
	Ingestion *IngestionResult `json:"ingestion"`
	Matching  *MatchRunResult  `json:"matching,omitempty"`
}

// Ingest runs ingestion over containerRef and, when matchAfter is set and
// ingestion was not aborted, a matching run over unmatched records.
func (c *Coordinator) Ingest(ctx context.Context, containerRef string, matchAfter bool) (*IngestOutcome, error) {
	start := time.Now()
	result, err := c.Ingestion.Run(ctx, containerRef)
	c.Metrics.RecordRun(KindIngest, time.Since(start), err)
	if result == nil {
		return nil, err
	}

	outcome := &IngestOutcome{Ingestion: result}
	c.writeReport(ctx, KindIngest, result.RunID, result)
	if result.Count > 0 && c.Events != nil {
		evt := events.NewMediaIngested(result.RunID, result.ExternalIDs())
		if perr := c.Events.PublishIngested(context.WithoutCancel(ctx), evt); perr != nil {
			log.Warn().Err(perr).Str("runId", result.RunID).Msg("Failed to publish ingestion event")
		}
	}
	if err != nil || !matchAfter {
		return outcome, err
	}

	outcome.Matching, err = c.Match(ctx, MatchOptions{})
	return outcome, err
}

// Match runs a matching pass.
func (c *Coordinator) Match(ctx context.Context, opts MatchOptions) (*MatchRunResult, error) {
	start := time.Now()
	result, err := c.Matching.Run(ctx, opts)
	c.Metrics.RecordRun(KindMatch, time.Since(start), err)
	if result == nil {
		return nil, err
	}

	c.writeReport(ctx, KindMatch, result.RunID, result)
	if c.Events != nil {
		evt := events.MediaMatched{RunID: result.RunID, Total: result.Total, Matched: result.Matched, Unmatched: result.Unmatched}
		if perr := c.Events.PublishMatched(context.WithoutCancel(ctx), evt); perr != nil {
			log.Warn().Err(perr).Str("runId", result.RunID).Msg("Failed to publish match event")
		}
	}
	return result, err
}

// Status returns aggregate ledger statistics.
func (c *Coordinator) Status(ctx context.Context) (ProcessingStats, error) {
	return c.Stats.Collect(ctx)
}

func (c *Coordinator) writeReport(ctx context.Context, kind, runID string, report any) {
	if c.Reports == nil {
		return
	}
	key, err := c.Reports.Write(context.WithoutCancel(ctx), kind, runID, report)
	if err != nil {
		log.Warn().Err(err).Str("runId", runID).Str("kind", kind).Msg("Failed to write run report")
		return
	}
	log.Info().Str("runId", runID).Str("reportKey", key).Msg("Run report stored")
}
