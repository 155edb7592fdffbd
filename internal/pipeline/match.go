package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/site-media-pipeline/internal/geo"
	"github.com/fpang/site-media-pipeline/internal/jobs"
	"github.com/fpang/site-media-pipeline/internal/metrics"
	"github.com/fpang/site-media-pipeline/internal/store"
)

// Match outcome labels.
const (
	outcomeMatched   = "matched"
	outcomeUnmatched = "unmatched"
	outcomeNoGPS     = "no_gps"
	outcomeFailed    = "failed"
)

// MatchResult is the outcome for one record. DistanceMeters is set whenever
// a nearest site exists; it is persisted only when Matched.
type MatchResult struct {
	ImageID          string   `json:"imageId"`
	ExternalID       string   `json:"externalId"`
	ProjectID        *int64   `json:"projectId,omitempty"`
	DistanceMeters   *float64 `json:"distanceMeters,omitempty"`
	Matched          bool     `json:"matched"`
	NearestProjectID *int64   `json:"nearestProjectId,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// MatchRunResult is the structured outcome of GeoMatchRunner.Run.
// Total = Matched + Unmatched; Failed records are counted as Unmatched.
type MatchRunResult struct {
	RunID      string        `json:"runId"`
	Total      int           `json:"total"`
	Matched    int           `json:"matched"`
	Unmatched  int           `json:"unmatched"`
	Failed     int           `json:"failed"`
	DurationMs int64         `json:"durationMs"`
	Results    []MatchResult `json:"results"`
}

// MatchOptions selects the records a run considers.
type MatchOptions struct {
	// Force recomputes every record, including already matched ones.
	Force bool
}

// GeoMatchRunner attaches unmatched ledger records to the nearest project
// site whose geofence contains them.
type GeoMatchRunner struct {
	ledger   store.Ledger
	sites    store.SiteDirectory
	boundary geo.Boundary
	metrics  *metrics.PipelineMetrics
}

func NewGeoMatchRunner(ledger store.Ledger, sites store.SiteDirectory, boundary geo.Boundary, m *metrics.PipelineMetrics) *GeoMatchRunner {
	return &GeoMatchRunner{ledger: ledger, sites: sites, boundary: boundary, metrics: m}
}

// Run matches records against the project sites, which are loaded once.
// Failing to load sites or records is fatal; a failed ledger update is
// isolated to its record. Cancellation is checked before each record and
// returns the partial result with ErrRunCancelled.
func (r *GeoMatchRunner) Run(ctx context.Context, opts MatchOptions) (*MatchRunResult, error) {
	start := time.Now()
	runID := jobs.GenerateID(jobs.MatchPrefix)
	logger := log.With().Str("runId", runID).Bool("force", opts.Force).Logger()

	projectSites, err := r.sites.ListSites(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load project sites, aborting run")
		return nil, fmt.Errorf("list sites: %w", err)
	}
	candidates := geoSites(projectSites)

	var records []store.IngestedMediaRecord
	if opts.Force {
		records, err = r.ledger.ListAll(ctx)
	} else {
		records, err = r.ledger.ListUnmatched(ctx)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load ledger records, aborting run")
		return nil, fmt.Errorf("list records: %w", err)
	}

	logger.Info().
		Int("sites", len(candidates)).
		Int("records", len(records)).
		Str("boundary", r.boundary.String()).
		Msg("Match run started")

	result := &MatchRunResult{RunID: runID, Results: make([]MatchResult, 0, len(records))}
	var cancelled error
	for i := range records {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}
		res := MatchRecord(records[i], candidates, r.boundary)
		if err := r.apply(ctx, &records[i], res); err != nil {
			logger.Warn().Err(err).Str("imageId", res.ImageID).Str("externalId", res.ExternalID).Msg("Failed to update match, continuing")
			res.Matched = false
			res.ProjectID = nil
			res.Error = err.Error()
			result.Failed++
			r.metrics.RecordMatch(outcomeFailed)
		} else {
			r.metrics.RecordMatch(outcomeLabel(records[i], res))
		}

		if res.Matched {
			result.Matched++
		} else {
			result.Unmatched++
		}
		result.Results = append(result.Results, res)
	}

	result.Total = len(result.Results)
	result.DurationMs = time.Since(start).Milliseconds()

	logger.Info().
		Int("total", result.Total).
		Int("matched", result.Matched).
		Int("unmatched", result.Unmatched).
		Int("failed", result.Failed).
		Int64("durationMs", result.DurationMs).
		Msg("Match run complete")

	if cancelled != nil {
		return result, fmt.Errorf("%w: %d of %d records not evaluated: %w", ErrRunCancelled, len(records)-result.Total, len(records), cancelled)
	}
	return result, nil
}

// apply persists res. Unmatched records are only written when a forced run
// finds a previously matched record outside every geofence.
func (r *GeoMatchRunner) apply(ctx context.Context, record *store.IngestedMediaRecord, res MatchResult) error {
	switch {
	case res.Matched:
		if sameMatch(record, res) {
			return nil
		}
		return r.ledger.UpdateMatch(ctx, record.ID, *res.ProjectID, *res.DistanceMeters)
	case record.IsMatched():
		return r.ledger.ClearMatch(ctx, record.ID)
	}
	return nil
}

func sameMatch(record *store.IngestedMediaRecord, res MatchResult) bool {
	return record.ProjectID != nil && record.MatchDistanceMeters != nil &&
		*record.ProjectID == *res.ProjectID && *record.MatchDistanceMeters == *res.DistanceMeters
}

// MatchRecord evaluates one record against candidate sites without I/O.
func MatchRecord(record store.IngestedMediaRecord, sites []geo.Site, boundary geo.Boundary) MatchResult {
	res := MatchResult{ImageID: record.ID, ExternalID: record.ExternalID}
	if !record.HasGPS() {
		return res
	}

	point := geo.NewPoint(*record.Latitude, *record.Longitude)
	nearest, ok := geo.SelectNearestProject(&point, sites)
	if !ok {
		return res
	}

	projectID := nearest.Site.ProjectID
	distance := nearest.DistanceMeters
	res.NearestProjectID = &projectID
	res.DistanceMeters = &distance
	if nearest.Within(boundary) {
		res.ProjectID = &projectID
		res.Matched = true
	}
	return res
}

func geoSites(sites []store.ProjectSite) []geo.Site {
	out := make([]geo.Site, len(sites))
	for i, s := range sites {
		out[i] = geo.Site{
			ProjectID:    s.ProjectID,
			Latitude:     s.SiteLatitude,
			Longitude:    s.SiteLongitude,
			RadiusMeters: s.GeofenceRadiusMeters,
		}
	}
	return out
}

func outcomeLabel(record store.IngestedMediaRecord, res MatchResult) string {
	switch {
	case res.Matched:
		return outcomeMatched
	case !record.HasGPS():
		return outcomeNoGPS
	default:
		return outcomeUnmatched
	}
}
