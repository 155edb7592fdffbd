package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fpang/site-media-pipeline/internal/store"
)

// ProcessingStats aggregates ledger state for operators.
type ProcessingStats struct {
	TotalImages      int        `json:"totalImages"`
	ImagesWithGPS    int        `json:"imagesWithGps"`
	ImagesWithDevice int        `json:"imagesWithDevice"`
	MatchedImages    int        `json:"matchedImages"`
	LastIngestedAt   *time.Time `json:"lastIngestedAt,omitempty"`
}

// StatsCollector reads ProcessingStats from a ledger.
type StatsCollector struct {
	ledger store.Ledger
}

func NewStatsCollector(ledger store.Ledger) *StatsCollector {
	return &StatsCollector{ledger: ledger}
}

func (c *StatsCollector) Collect(ctx context.Context) (ProcessingStats, error) {
	records, err := c.ledger.ListAll(ctx)
	if err != nil {
		return ProcessingStats{}, fmt.Errorf("collect stats: %w", err)
	}
	return AggregateStats(records), nil
}

// AggregateStats counts records.
func AggregateStats(records []store.IngestedMediaRecord) ProcessingStats {
	var stats ProcessingStats
	for i := range records {
		r := &records[i]
		stats.TotalImages++
		if r.HasGPS() {
			stats.ImagesWithGPS++
		}
		if r.HasDevice() {
			stats.ImagesWithDevice++
		}
		if r.IsMatched() {
			stats.MatchedImages++
		}
		if stats.LastIngestedAt == nil || r.IngestedAt.After(*stats.LastIngestedAt) {
			t := r.IngestedAt
			stats.LastIngestedAt = &t
		}
	}
	return stats
}
