package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/site-media-pipeline/internal/geo"
	"github.com/fpang/site-media-pipeline/internal/store"
)

// metersPerDegreeLat is the length of one degree of latitude on the
// haversine sphere.
const metersPerDegreeLat = geo.EarthRadiusMeters * math.Pi / 180

var pikeStreet = store.ProjectSite{ProjectID: 7, Name: "Pike Street", SiteLatitude: 47.6062, SiteLongitude: -122.3321, GeofenceRadiusMeters: 150}

func TestGeoMatchRunner_MatchesNearbyImage(t *testing.T) {
	ctx := context.Background()
	ledger := newFaultyLedger()
	rec := seedRecord(t, ledger, "img.jpg", floatPtr(47.6063), floatPtr(-122.3322))

	result, err := NewGeoMatchRunner(ledger, store.StaticSites{pikeStreet}, geo.BoundaryInclusive, nil).Run(ctx, MatchOptions{})
	require.NoError(t, err)
	assert.Regexp(t, `^match-[0-9a-f]{16}$`, result.RunID)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 0, result.Unmatched)

	res := result.Results[0]
	assert.Equal(t, rec.ID, res.ImageID)
	assert.True(t, res.Matched)
	require.NotNil(t, res.ProjectID)
	assert.Equal(t, int64(7), *res.ProjectID)
	require.NotNil(t, res.DistanceMeters)
	assert.InDelta(t, 13.4, *res.DistanceMeters, 0.5)

	all, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	require.NotNil(t, all[0].ProjectID)
	assert.Equal(t, int64(7), *all[0].ProjectID)
	assert.InDelta(t, *res.DistanceMeters, *all[0].MatchDistanceMeters, 1e-9)
}

func TestGeoMatchRunner_NoGPS(t *testing.T) {
	ctx := context.Background()
	ledger := newFaultyLedger()
	seedRecord(t, ledger, "nogps.jpg", nil, nil)

	result, err := NewGeoMatchRunner(ledger, store.StaticSites{pikeStreet}, geo.BoundaryInclusive, nil).Run(ctx, MatchOptions{})
	require.NoError(t, err)

	res := result.Results[0]
	assert.False(t, res.Matched)
	assert.Nil(t, res.ProjectID)
	assert.Nil(t, res.DistanceMeters)
	assert.Nil(t, res.NearestProjectID)
	assert.Equal(t, 1, result.Unmatched)
	assert.Zero(t, ledger.updates, "no write for records without coordinates")

	all, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	assert.Nil(t, all[0].ProjectID)
	assert.Nil(t, all[0].MatchDistanceMeters)
}

func TestGeoMatchRunner_PicksNearestContainingSite(t *testing.T) {
	const lat, lon = 47.0, -122.0
	siteA := store.ProjectSite{ProjectID: 20, SiteLatitude: lat + 80/metersPerDegreeLat, SiteLongitude: lon, GeofenceRadiusMeters: 100}
	siteB := store.ProjectSite{ProjectID: 10, SiteLatitude: lat - 95/metersPerDegreeLat, SiteLongitude: lon, GeofenceRadiusMeters: 100}

	ledger := newFaultyLedger()
	seedRecord(t, ledger, "between.jpg", floatPtr(lat), floatPtr(lon))

	result, err := NewGeoMatchRunner(ledger, store.StaticSites{siteB, siteA}, geo.BoundaryInclusive, nil).Run(context.Background(), MatchOptions{})
	require.NoError(t, err)

	res := result.Results[0]
	require.True(t, res.Matched)
	assert.Equal(t, int64(20), *res.ProjectID, "nearest site wins even with a higher project id")
	assert.InDelta(t, 80, *res.DistanceMeters, 1e-3)
}

func TestGeoMatchRunner_NearestOutsideItsRadius(t *testing.T) {
	const lat, lon = 47.0, -122.0
	near := store.ProjectSite{ProjectID: 1, SiteLatitude: lat + 80/metersPerDegreeLat, SiteLongitude: lon, GeofenceRadiusMeters: 50}
	far := store.ProjectSite{ProjectID: 2, SiteLatitude: lat - 95/metersPerDegreeLat, SiteLongitude: lon, GeofenceRadiusMeters: 100}

	ctx := context.Background()
	ledger := newFaultyLedger()
	seedRecord(t, ledger, "edge.jpg", floatPtr(lat), floatPtr(lon))

	result, err := NewGeoMatchRunner(ledger, store.StaticSites{near, far}, geo.BoundaryInclusive, nil).Run(ctx, MatchOptions{})
	require.NoError(t, err)

	res := result.Results[0]
	assert.False(t, res.Matched)
	assert.Nil(t, res.ProjectID)
	require.NotNil(t, res.NearestProjectID)
	assert.Equal(t, int64(1), *res.NearestProjectID)
	require.NotNil(t, res.DistanceMeters, "distance is reported for diagnostics")
	assert.InDelta(t, 80, *res.DistanceMeters, 1e-3)

	all, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	assert.Nil(t, all[0].MatchDistanceMeters, "unmatched distance is never persisted")
	assert.Zero(t, ledger.updates)
}

func TestMatchRecord_Boundary(t *testing.T) {
	lat, lon := 47.6063, -122.3322
	d := geo.DistanceMeters(lat, lon, pikeStreet.SiteLatitude, pikeStreet.SiteLongitude)
	site := geo.Site{ProjectID: 7, Latitude: pikeStreet.SiteLatitude, Longitude: pikeStreet.SiteLongitude, RadiusMeters: d}
	record := store.IngestedMediaRecord{ID: "r", Latitude: &lat, Longitude: &lon}

	assert.True(t, MatchRecord(record, []geo.Site{site}, geo.BoundaryInclusive).Matched, "distance == radius matches when inclusive")
	assert.False(t, MatchRecord(record, []geo.Site{site}, geo.BoundaryExclusive).Matched, "distance == radius misses when exclusive")
}

func TestMatchRecord_NoSites(t *testing.T) {
	lat, lon := 47.6, -122.3
	res := MatchRecord(store.IngestedMediaRecord{ID: "r", Latitude: &lat, Longitude: &lon}, nil, geo.BoundaryInclusive)
	assert.False(t, res.Matched)
	assert.Nil(t, res.NearestProjectID)
	assert.Nil(t, res.DistanceMeters)
}

func TestMatchRecord_OutOfRangeCoordinates(t *testing.T) {
	lat, lon := 123.0, -122.3
	res := MatchRecord(store.IngestedMediaRecord{ID: "r", Latitude: &lat, Longitude: &lon}, geoSites([]store.ProjectSite{pikeStreet}), geo.BoundaryInclusive)
	assert.False(t, res.Matched)
	assert.Nil(t, res.DistanceMeters)
}

func TestGeoMatchRunner_SkipsMatchedUnlessForced(t *testing.T) {
	ctx := context.Background()
	ledger := newFaultyLedger()
	seedRecord(t, ledger, "img.jpg", floatPtr(47.6063), floatPtr(-122.3322))
	runner := NewGeoMatchRunner(ledger, store.StaticSites{pikeStreet}, geo.BoundaryInclusive, nil)

	_, err := runner.Run(ctx, MatchOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, ledger.updates)

	again, err := runner.Run(ctx, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Total, "matched records are not revisited")

	forced, err := runner.Run(ctx, MatchOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, forced.Total)
	assert.Equal(t, 1, forced.Matched)
	assert.Equal(t, 1, ledger.updates, "an unchanged match is not rewritten")
}

func TestGeoMatchRunner_ForceClearsStaleMatch(t *testing.T) {
	ctx := context.Background()
	ledger := newFaultyLedger()
	rec := seedRecord(t, ledger, "moved.jpg", floatPtr(47.6063), floatPtr(-122.3322))
	require.NoError(t, ledger.Ledger.UpdateMatch(ctx, rec.ID, 99, 12))

	farAway := store.ProjectSite{ProjectID: 3, SiteLatitude: 45.5, SiteLongitude: -122.6, GeofenceRadiusMeters: 150}
	result, err := NewGeoMatchRunner(ledger, store.StaticSites{farAway}, geo.BoundaryInclusive, nil).Run(ctx, MatchOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unmatched)
	assert.Equal(t, 1, ledger.clears)

	all, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	assert.Nil(t, all[0].ProjectID)
	assert.Nil(t, all[0].MatchDistanceMeters)
}

func TestGeoMatchRunner_UpdateFailureIsolated(t *testing.T) {
	ctx := context.Background()
	ledger := newFaultyLedger()
	bad := seedRecord(t, ledger, "bad.jpg", floatPtr(47.6063), floatPtr(-122.3322))
	seedRecord(t, ledger, "good.jpg", floatPtr(47.6062), floatPtr(-122.3320))
	ledger.updateErr[bad.ID] = errors.New("throttled")

	result, err := NewGeoMatchRunner(ledger, store.StaticSites{pikeStreet}, geo.BoundaryInclusive, nil).Run(ctx, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Unmatched)
	assert.Equal(t, 1, result.Failed)

	for _, res := range result.Results {
		if res.ImageID == bad.ID {
			assert.False(t, res.Matched)
			assert.Equal(t, "throttled", res.Error)
		}
	}

	unmatched, err := ledger.ListUnmatched(ctx)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, bad.ID, unmatched[0].ID)
}

type failingSites struct{}

func (failingSites) ListSites(context.Context) ([]store.ProjectSite, error) {
	return nil, errors.New("projects database unreachable")
}

func TestGeoMatchRunner_SiteLoadFailureIsFatal(t *testing.T) {
	ledger := newFaultyLedger()
	seedRecord(t, ledger, "img.jpg", floatPtr(47.6063), floatPtr(-122.3322))

	result, err := NewGeoMatchRunner(ledger, failingSites{}, geo.BoundaryInclusive, nil).Run(context.Background(), MatchOptions{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Zero(t, ledger.updates)
}

func TestGeoMatchRunner_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := newFaultyLedger()
	for _, id := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		seedRecord(t, ledger, id, floatPtr(47.6063), floatPtr(-122.3322))
	}
	ledger.afterUpdate = cancel

	result, err := NewGeoMatchRunner(ledger, store.StaticSites{pikeStreet}, geo.BoundaryInclusive, nil).Run(ctx, MatchOptions{})
	require.ErrorIs(t, err, ErrRunCancelled)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Matched)

	unmatched, err := ledger.ListUnmatched(context.Background())
	require.NoError(t, err)
	assert.Len(t, unmatched, 2, "remaining records are left for the next run")
}
