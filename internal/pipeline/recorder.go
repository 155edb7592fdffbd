package pipeline

import (
	"context"
	"fmt"

	"github.com/fpang/site-media-pipeline/internal/archive"
	"github.com/fpang/site-media-pipeline/internal/filehandler"
	"github.com/fpang/site-media-pipeline/internal/source"
	"github.com/fpang/site-media-pipeline/internal/store"
)

// Recorder writes one ledger record per archived item.
type Recorder struct {
	ledger store.Ledger
}

func NewRecorder(ledger store.Ledger) *Recorder {
	return &Recorder{ledger: ledger}
}

// BuildRecord assembles the ledger record for an archived item. When the
// media carries no original capture time, the source creation time is used.
func BuildRecord(item source.Item, meta filehandler.CaptureMetadata, loc archive.Locator) *store.IngestedMediaRecord {
	record := &store.IngestedMediaRecord{
		ExternalID:       item.ExternalID,
		Name:             item.Name,
		MIMEType:         item.MIMEType,
		SizeBytes:        item.SizeBytes,
		SourceCreatedAt:  item.SourceCreatedAt,
		SourceModifiedAt: item.SourceModifiedAt,
		CaptureTimestamp: meta.CaptureTimestamp,
		DeviceLabel:      meta.DeviceLabel,
		BlobURL:          loc.URL,
		BlobKey:          loc.Key,
	}
	if meta.HasGPS() {
		record.Latitude = meta.Latitude
		record.Longitude = meta.Longitude
	}
	if record.CaptureTimestamp == nil && !item.SourceCreatedAt.IsZero() {
		created := item.SourceCreatedAt
		record.CaptureTimestamp = &created
	}
	return record
}

// Record persists the record for item. A record without a complete blob
// locator is never written.
func (r *Recorder) Record(ctx context.Context, item source.Item, meta filehandler.CaptureMetadata, loc archive.Locator) (*store.IngestedMediaRecord, error) {
	if loc.URL == "" || loc.Key == "" {
		return nil, fmt.Errorf("%w: %s has no blob locator", store.ErrIncompleteRecord, item.ExternalID)
	}
	stored, err := r.ledger.Insert(ctx, BuildRecord(item, meta, loc))
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", item.ExternalID, err)
	}
	return stored, nil
}
