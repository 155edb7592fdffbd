package filehandler

import (
	"strings"
	"time"
)

// rawCapture holds metadata as read from one container format, before
// normalization. A zero OriginalTime means the tag was absent.
type rawCapture struct {
	GPS          rawGPS
	OriginalTime time.Time
	Make         string
	Model        string
}

// complete reports whether every field the fallback reader could supply is
// already present.
func (r rawCapture) complete() bool {
	return r.GPS != nil && !r.OriginalTime.IsZero() && (r.Make != "" || r.Model != "")
}

// merge fills fields missing from r with values from other.
func (r rawCapture) merge(other rawCapture) rawCapture {
	if r.GPS == nil {
		r.GPS = other.GPS
	}
	if r.OriginalTime.IsZero() {
		r.OriginalTime = other.OriginalTime
	}
	if r.Make == "" && r.Model == "" {
		r.Make = other.Make
		r.Model = other.Model
	}
	return r
}

// rawGPS is a GPS position in one of the embedded representations.
// Implementations: decimalGPS, dmsGPS.
type rawGPS interface {
	// decimal returns signed decimal degrees. ok is false when the raw
	// value cannot be interpreted.
	decimal() (lat, lon float64, ok bool)
}

// decimalGPS is a position already expressed as signed decimal degrees.
type decimalGPS struct {
	Latitude  float64
	Longitude float64
}

func (g decimalGPS) decimal() (float64, float64, bool) {
	return g.Latitude, g.Longitude, true
}

// DMS is a degrees, minutes, seconds triple.
type DMS [3]float64

// Decimal converts the triple to decimal degrees and applies the reference
// direction: "S" and "W" negate the result. Any other non-empty reference is
// rejected.
func (d DMS) Decimal(ref string) (float64, bool) {
	for _, v := range d {
		if v < 0 {
			return 0, false
		}
	}
	value := d[0] + d[1]/60 + d[2]/3600

	switch strings.ToUpper(strings.TrimSpace(ref)) {
	case "", "N", "E":
		return value, true
	case "S", "W":
		return -value, true
	default:
		return 0, false
	}
}

// dmsGPS is a position stored as rational triples with separate reference
// letters, the way EXIF GPS IFDs encode it.
type dmsGPS struct {
	Latitude     DMS
	Longitude    DMS
	LatitudeRef  string
	LongitudeRef string
}

func (g dmsGPS) decimal() (float64, float64, bool) {
	lat, latOK := g.Latitude.Decimal(g.LatitudeRef)
	lon, lonOK := g.Longitude.Decimal(g.LongitudeRef)
	if !latOK || !lonOK {
		return 0, 0, false
	}
	return lat, lon, true
}
