// Package geo implements the distance rule used to attach site photos to
// project sites: haversine distance on a spherical earth, a geofence radius
// test and nearest-site selection. Everything here is pure.
package geo

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// EarthRadiusMeters is the mean earth radius used by DistanceMeters.
const EarthRadiusMeters = 6_371_000.0

// TieToleranceMeters is how close two distances must be to count as a tie
// during nearest-site selection.
const TieToleranceMeters = 1e-6

// NewPoint builds an orb.Point from latitude and longitude. orb stores
// points as [lon, lat].
func NewPoint(lat, lon float64) orb.Point {
	return orb.Point{lon, lat}
}

// ValidCoordinates reports whether lat and lon are finite and inside
// [-90, 90] and [-180, 180].
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// DistanceMeters returns the haversine great-circle distance between two
// coordinates given in decimal degrees.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}

	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	// Rounding can push a slightly past 1 for antipodal points.
	a = math.Min(1, math.Max(0, a))

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(a))
}

// PointDistance is DistanceMeters for orb points.
func PointDistance(a, b orb.Point) float64 {
	return DistanceMeters(a.Lat(), a.Lon(), b.Lat(), b.Lon())
}

// Boundary selects whether a distance equal to the geofence radius counts as
// inside the fence.
type Boundary int

const (
	// BoundaryInclusive matches when distance <= radius.
	BoundaryInclusive Boundary = iota
	// BoundaryExclusive matches when distance < radius.
	BoundaryExclusive
)

// ParseBoundary parses "inclusive" or "exclusive". An empty string yields
// BoundaryInclusive.
func ParseBoundary(s string) (Boundary, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inclusive":
		return BoundaryInclusive, nil
	case "exclusive":
		return BoundaryExclusive, nil
	default:
		return BoundaryInclusive, fmt.Errorf("unknown geofence boundary %q (want inclusive or exclusive)", s)
	}
}

func (b Boundary) String() string {
	if b == BoundaryExclusive {
		return "exclusive"
	}
	return "inclusive"
}

// Contains reports whether distance falls inside a fence of the given radius.
func (b Boundary) Contains(distance, radius float64) bool {
	if math.IsNaN(distance) || math.IsNaN(radius) {
		return false
	}
	if b == BoundaryExclusive {
		return distance < radius
	}
	return distance <= radius
}

// IsWithinGeofence applies the default inclusive boundary.
func IsWithinGeofence(distance, radius float64) bool {
	return BoundaryInclusive.Contains(distance, radius)
}
