package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fpang/site-media-pipeline/internal/archive"
	"github.com/fpang/site-media-pipeline/internal/filehandler"
	"github.com/fpang/site-media-pipeline/internal/jobs"
	"github.com/fpang/site-media-pipeline/internal/metrics"
	"github.com/fpang/site-media-pipeline/internal/source"
	"github.com/fpang/site-media-pipeline/internal/store"
)

const (
	DefaultWorkers     = 4
	DefaultItemTimeout = 2 * time.Minute
)

// IngestionOptions tunes an IngestionRunner. Zero values select defaults.
type IngestionOptions struct {
	Workers     int
	ItemTimeout time.Duration
	Metrics     *metrics.PipelineMetrics
}

// Counts summarizes one ingestion run. Listed = DeduplicatedOut + Succeeded
// + Failed + Skipped.
type Counts struct {
	Listed          int `json:"listed"`
	DeduplicatedOut int `json:"deduplicatedOut"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
	Skipped         int `json:"skipped"`
}

// IngestionResult is the structured outcome of IngestionRunner.Run.
type IngestionResult struct {
	RunID      string                      `json:"runId"`
	Count      int                         `json:"count"`
	DurationMs int64                       `json:"durationMs"`
	Items      []store.IngestedMediaRecord `json:"items"`
	Counts     Counts                      `json:"counts"`
	Failures   []ItemFailure               `json:"failures,omitempty"`
}

// ExternalIDs returns the external IDs of the newly created records.
func (r *IngestionResult) ExternalIDs() []string {
	ids := make([]string, len(r.Items))
	for i := range r.Items {
		ids[i] = r.Items[i].ExternalID
	}
	return ids
}

// IngestionRunner copies unseen source items into the archive and ledger.
type IngestionRunner struct {
	source      Source
	ledger      store.Ledger
	archiver    archive.Archiver
	recorder    *Recorder
	metrics     *metrics.PipelineMetrics
	workers     int
	itemTimeout time.Duration
}

func NewIngestionRunner(src Source, ledger store.Ledger, archiver archive.Archiver, opts IngestionOptions) *IngestionRunner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultItemTimeout
	}
	return &IngestionRunner{
		source:      src,
		ledger:      ledger,
		archiver:    archiver,
		recorder:    NewRecorder(ledger),
		metrics:     opts.Metrics,
		workers:     opts.Workers,
		itemTimeout: opts.ItemTimeout,
	}
}

// Run ingests every item of containerRef not already in the ledger.
//
// Listing the catalog or the known IDs is fatal and returns a nil result.
// Per-item failures are isolated: they are logged, counted and reported in
// Failures while the remaining items continue. Cancelling ctx stops the
// dispatch of further items; items already in flight finish, and the
// partial result is returned together with ErrRunCancelled.
func (r *IngestionRunner) Run(ctx context.Context, containerRef string) (*IngestionResult, error) {
	start := time.Now()
	runID := jobs.GenerateID(jobs.IngestPrefix)
	logger := log.With().Str("runId", runID).Str("container", containerRef).Logger()

	items, err := r.source.ListItems(ctx, containerRef)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list source catalog, aborting run")
		return nil, fmt.Errorf("list catalog %q: %w", containerRef, err)
	}

	known, err := r.ledger.ListKnownExternalIDs(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load known external IDs, aborting run")
		return nil, fmt.Errorf("list known external ids: %w", err)
	}

	pending := FilterUnseen(items, known)
	counts := Counts{
		Listed:          len(items),
		DeduplicatedOut: len(items) - len(pending),
	}
	logger.Info().
		Int("listed", counts.Listed).
		Int("deduplicatedOut", counts.DeduplicatedOut).
		Int("pending", len(pending)).
		Int("workers", r.workers).
		Msg("Ingestion run started")

	// Indexed by catalog position so the result order is stable.
	records := make([]*store.IngestedMediaRecord, len(pending))
	itemErrs := make([]*ItemError, len(pending))

	var (
		g         errgroup.Group
		sem       = semaphore.NewWeighted(int64(r.workers))
		cancelled error
	)
	for i, item := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			cancelled = err
			counts.Skipped = len(pending) - i
			break
		}
		// Checkpoint between items.
		if err := ctx.Err(); err != nil {
			sem.Release(1)
			cancelled = err
			counts.Skipped = len(pending) - i
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			records[i], itemErrs[i] = r.processItem(ctx, runID, item)
			return nil
		})
	}
	_ = g.Wait()

	result := &IngestionResult{RunID: runID, Items: []store.IngestedMediaRecord{}}
	for i := range pending {
		switch {
		case records[i] != nil:
			result.Items = append(result.Items, *records[i])
			counts.Succeeded++
		case itemErrs[i] != nil:
			result.Failures = append(result.Failures, itemErrs[i].failure())
			counts.Failed++
		}
	}
	for i := 0; i < counts.Skipped; i++ {
		r.metrics.RecordItem("dispatch", metrics.OutcomeSkipped)
	}

	result.Count = len(result.Items)
	result.Counts = counts
	result.DurationMs = time.Since(start).Milliseconds()

	event := logger.Info()
	if counts.Failed > 0 || cancelled != nil {
		event = logger.Warn()
	}
	event.
		Int("listed", counts.Listed).
		Int("deduplicatedOut", counts.DeduplicatedOut).
		Int("succeeded", counts.Succeeded).
		Int("failed", counts.Failed).
		Int("skipped", counts.Skipped).
		Int64("durationMs", result.DurationMs).
		Msg("Ingestion run complete")

	if cancelled != nil {
		return result, fmt.Errorf("%w: %d items not dispatched: %w", ErrRunCancelled, counts.Skipped, cancelled)
	}
	return result, nil
}

// processItem runs fetch, extract, archive and record for one item. The run
// context only gates dispatch; each item gets its own timeout so a
// cancellation never interrupts an item between archive and record. A panic
// in a collaborator fails only this item, at the stage that was running.
func (r *IngestionRunner) processItem(ctx context.Context, runID string, item source.Item) (record *store.IngestedMediaRecord, itemErr *ItemError) {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.itemTimeout)
	defer cancel()

	logger := log.With().Str("runId", runID).Str("externalId", item.ExternalID).Logger()
	start := time.Now()

	stage := StageFetch
	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Str("stage", string(stage)).
				Str("panic", fmt.Sprint(p)).
				Msg("Item processing panicked, skipping")
			r.metrics.RecordItem(string(stage), metrics.OutcomeFailure)
			record = nil
			itemErr = &ItemError{Stage: stage, ExternalID: item.ExternalID, Err: fmt.Errorf("%w: %v", ErrItemPanic, p)}
		}
	}()

	data, err := r.source.FetchBytes(itemCtx, item.ExternalID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to fetch item, skipping")
		r.metrics.RecordItem(string(StageFetch), metrics.OutcomeFailure)
		return nil, &ItemError{Stage: StageFetch, ExternalID: item.ExternalID, Err: err}
	}

	meta := filehandler.ExtractCaptureMetadata(data, item.MIMEType)
	if meta.IsEmpty() && filehandler.IsImageMIME(item.MIMEType) {
		logger.Debug().Str("mimeType", item.MIMEType).Msg("No capture metadata in image")
	}

	stage = StageArchive
	loc, err := r.archiver.Store(itemCtx, data, archiveName(item), item.MIMEType)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to archive item, skipping")
		r.metrics.RecordItem(string(StageArchive), metrics.OutcomeFailure)
		return nil, &ItemError{Stage: StageArchive, ExternalID: item.ExternalID, Err: err}
	}

	stage = StagePersist
	record, err = r.recorder.Record(itemCtx, item, meta, loc)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateExternalID) {
			// Dedup should have filtered this item; the ledger constraint caught it.
			logger.Error().Err(err).Msg("Ledger rejected a duplicate external ID that passed deduplication")
			r.metrics.RecordDedupBackstop()
		}
		logger.Error().
			Err(err).
			Str("orphanedBlobKey", loc.Key).
			Str("orphanedBlobUrl", loc.URL).
			Msg("Failed to record archived item, blob is orphaned")
		r.metrics.RecordOrphanedBlob()
		r.metrics.RecordItem(string(StagePersist), metrics.OutcomeFailure)
		return nil, &ItemError{Stage: StagePersist, ExternalID: item.ExternalID, Err: err}
	}

	r.metrics.RecordItem("done", metrics.OutcomeSuccess)
	logger.Debug().
		Str("recordId", record.ID).
		Str("blobKey", record.BlobKey).
		Bool("hasGps", record.HasGPS()).
		Dur("duration", time.Since(start)).
		Msg("Item ingested")
	return record, nil
}

// archiveName is the suggested archive name for an item.
func archiveName(item source.Item) string {
	if item.Name != "" {
		return item.Name
	}
	return path.Base(item.ExternalID)
}
