package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// Site is a candidate geofence: a project's site coordinate and radius.
type Site struct {
	ProjectID    int64
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// Point returns the site coordinate as an orb.Point.
func (s Site) Point() orb.Point {
	return NewPoint(s.Latitude, s.Longitude)
}

// Nearest is the outcome of SelectNearestProject.
type Nearest struct {
	Site           Site
	DistanceMeters float64
}

// Within reports whether the point lies inside the nearest site's own
// geofence under boundary b.
func (n Nearest) Within(b Boundary) bool {
	return b.Contains(n.DistanceMeters, n.Site.RadiusMeters)
}

// SelectNearestProject returns the site closest to point. ok is false when
// point is nil, its coordinates are invalid, or no candidate has valid
// coordinates. Distances within TieToleranceMeters of each other are ties and
// resolve to the lower ProjectID.
func SelectNearestProject(point *orb.Point, candidates []Site) (Nearest, bool) {
	if point == nil || !ValidCoordinates(point.Lat(), point.Lon()) {
		return Nearest{}, false
	}

	best := Nearest{DistanceMeters: math.Inf(1)}
	found := false

	for _, site := range candidates {
		if !ValidCoordinates(site.Latitude, site.Longitude) {
			continue
		}
		d := PointDistance(*point, site.Point())

		switch {
		case !found:
		case d < best.DistanceMeters-TieToleranceMeters:
		case math.Abs(d-best.DistanceMeters) <= TieToleranceMeters && site.ProjectID < best.Site.ProjectID:
		default:
			continue
		}
		best = Nearest{Site: site, DistanceMeters: d}
		found = true
	}

	return best, found
}
