package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/fpang/site-media-pipeline/internal/archive"
	"github.com/fpang/site-media-pipeline/internal/source"
	"github.com/fpang/site-media-pipeline/internal/store"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeSource serves a fixed catalog from memory.
type fakeSource struct {
	items    []source.Item
	data     map[string][]byte
	listErr  error
	fetchErr map[string]error

	// block makes FetchBytes wait for its context.
	block bool
	// onFetch runs at the start of every FetchBytes call.
	onFetch func(externalID string)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	fetches     atomic.Int32
}

func newFakeSource(ids ...string) *fakeSource {
	src := &fakeSource{data: map[string][]byte{}, fetchErr: map[string]error{}}
	for i, id := range ids {
		src.add(id, baseTime.Add(-time.Duration(i)*time.Hour))
	}
	return src
}

func (f *fakeSource) add(id string, created time.Time) {
	f.items = append(f.items, source.Item{
		ExternalID:       id,
		Name:             id,
		MIMEType:         "image/jpeg",
		SizeBytes:        int64(len(id)),
		SourceCreatedAt:  created,
		SourceModifiedAt: created,
	})
	f.data[id] = []byte("bytes of " + id)
}

func (f *fakeSource) ListItems(_ context.Context, _ string) ([]source.Item, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]source.Item(nil), f.items...), nil
}

func (f *fakeSource) FetchBytes(ctx context.Context, externalID string) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	f.fetches.Add(1)

	if f.onFetch != nil {
		f.onFetch(externalID)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.fetchErr[externalID]; err != nil {
		return nil, err
	}
	time.Sleep(2 * time.Millisecond)
	return f.data[externalID], nil
}

// failingArchiver fails or panics in Store for selected names.
type failingArchiver struct {
	archive.Archiver
	fail   map[string]bool
	panics map[string]bool
}

func (a *failingArchiver) Store(ctx context.Context, data []byte, name, mimeType string) (archive.Locator, error) {
	if a.panics[name] {
		panic("nil bucket handle")
	}
	if a.fail[name] {
		return archive.Locator{}, errors.New("bucket unavailable")
	}
	return a.Archiver.Store(ctx, data, name, mimeType)
}

// faultyLedger wraps a ledger with injectable failures.
type faultyLedger struct {
	store.Ledger

	mu          sync.Mutex
	insertErr   map[string]error
	updateErr   map[string]error
	hideKnown   bool
	afterUpdate func()
	updates     int
	clears      int
}

func newFaultyLedger() *faultyLedger {
	return &faultyLedger{
		Ledger:    store.NewMemoryLedger(),
		insertErr: map[string]error{},
		updateErr: map[string]error{},
	}
}

func (l *faultyLedger) ListKnownExternalIDs(ctx context.Context) (store.IDSet, error) {
	if l.hideKnown {
		return store.IDSet{}, nil
	}
	return l.Ledger.ListKnownExternalIDs(ctx)
}

func (l *faultyLedger) Insert(ctx context.Context, r *store.IngestedMediaRecord) (*store.IngestedMediaRecord, error) {
	l.mu.Lock()
	err := l.insertErr[r.ExternalID]
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.Ledger.Insert(ctx, r)
}

func (l *faultyLedger) UpdateMatch(ctx context.Context, id string, projectID int64, d float64) error {
	l.mu.Lock()
	l.updates++
	err := l.updateErr[id]
	l.mu.Unlock()
	if err != nil {
		return err
	}
	err = l.Ledger.UpdateMatch(ctx, id, projectID, d)
	if l.afterUpdate != nil {
		l.afterUpdate()
	}
	return err
}

func (l *faultyLedger) ClearMatch(ctx context.Context, id string) error {
	l.mu.Lock()
	l.clears++
	l.mu.Unlock()
	return l.Ledger.ClearMatch(ctx, id)
}

// newArchiveBucket returns an in-memory archive bucket and an archiver on it.
func newArchiveBucket(t *testing.T) (*blob.Bucket, *archive.BucketArchiver) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	return bucket, archive.NewBucketArchiver(bucket, "media", "https://media.example.com")
}

func countObjects(t *testing.T, bucket *blob.Bucket) int {
	t.Helper()
	n := 0
	iter := bucket.List(nil)
	for {
		_, err := iter.Next(context.Background())
		if err != nil {
			break
		}
		n++
	}
	return n
}

// metricValue sums every series of a metric family in registry.
func metricValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func floatPtr(v float64) *float64 { return &v }

// seedRecord inserts a ledger record with optional coordinates.
func seedRecord(t *testing.T, ledger store.Ledger, externalID string, lat, lon *float64) *store.IngestedMediaRecord {
	t.Helper()
	stored, err := ledger.Insert(context.Background(), &store.IngestedMediaRecord{
		ExternalID:      externalID,
		Name:            externalID,
		MIMEType:        "image/jpeg",
		SourceCreatedAt: baseTime,
		Latitude:        lat,
		Longitude:       lon,
		BlobURL:         fmt.Sprintf("https://media.example.com/%s", externalID),
		BlobKey:         externalID,
	})
	require.NoError(t, err)
	return stored
}
