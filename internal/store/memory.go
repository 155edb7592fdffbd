package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLedger is an in-process Ledger. It enforces the same constraints as
// the persistent implementations.
type MemoryLedger struct {
	mu         sync.RWMutex
	records    map[string]*IngestedMediaRecord
	byExternal map[string]string
}

// Compile-time interface check.
var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:    make(map[string]*IngestedMediaRecord),
		byExternal: make(map[string]string),
	}
}

func (l *MemoryLedger) ListKnownExternalIDs(ctx context.Context) (IDSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make(IDSet, len(l.byExternal))
	for id := range l.byExternal {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (l *MemoryLedger) Insert(ctx context.Context, record *IngestedMediaRecord) (*IngestedMediaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateForInsert(record); err != nil {
		return nil, err
	}
	stored := prepareForInsert(record)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byExternal[stored.ExternalID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalID, stored.ExternalID)
	}
	if _, exists := l.records[stored.ID]; exists {
		return nil, fmt.Errorf("record id %s already exists", stored.ID)
	}

	l.records[stored.ID] = stored
	l.byExternal[stored.ExternalID] = stored.ID

	out := *stored
	return &out, nil
}

func (l *MemoryLedger) UpdateMatch(ctx context.Context, id string, projectID int64, distanceMeters float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.ProjectID = &projectID
	r.MatchDistanceMeters = &distanceMeters
	return nil
}

func (l *MemoryLedger) ClearMatch(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.ProjectID = nil
	r.MatchDistanceMeters = nil
	return nil
}

func (l *MemoryLedger) ListUnmatched(ctx context.Context) ([]IngestedMediaRecord, error) {
	return l.list(ctx, func(r *IngestedMediaRecord) bool { return !r.IsMatched() })
}

func (l *MemoryLedger) ListAll(ctx context.Context) ([]IngestedMediaRecord, error) {
	return l.list(ctx, func(*IngestedMediaRecord) bool { return true })
}

// list returns copies of matching records ordered by ingestion time.
func (l *MemoryLedger) list(ctx context.Context, keep func(*IngestedMediaRecord) bool) ([]IngestedMediaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]IngestedMediaRecord, 0, len(l.records))
	for _, r := range l.records {
		if keep(r) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// copyRecord deep-copies the match pair so callers cannot mutate stored state.
func copyRecord(r *IngestedMediaRecord) IngestedMediaRecord {
	out := *r
	if r.ProjectID != nil {
		p := *r.ProjectID
		out.ProjectID = &p
	}
	if r.MatchDistanceMeters != nil {
		d := *r.MatchDistanceMeters
		out.MatchDistanceMeters = &d
	}
	return out
}

// StaticSites is a fixed SiteDirectory.
type StaticSites []ProjectSite

// ListSites returns the sites with the default radius applied.
func (s StaticSites) ListSites(ctx context.Context) ([]ProjectSite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ProjectSite, len(s))
	for i, site := range s {
		out[i] = site.withDefaultRadius(DefaultGeofenceRadiusMeters)
	}
	return out, nil
}
