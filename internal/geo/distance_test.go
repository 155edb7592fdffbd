package geo

import (
	"math"
	"testing"
)

func TestDistanceMeters_Identity(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{47.6062, -122.3321},
		{-33.8688, 151.2093},
		{90, 0},
		{-90, 180},
	}
	for _, p := range points {
		if d := DistanceMeters(p[0], p[1], p[0], p[1]); d != 0 {
			t.Errorf("DistanceMeters(%v, %v) to itself = %v, want 0", p[0], p[1], d)
		}
	}
}

func TestDistanceMeters_KnownDistances(t *testing.T) {
	tests := []struct {
		name       string
		lat1, lon1 float64
		lat2, lon2 float64
		want       float64
		tolerance  float64
	}{
		{
			name: "Seattle site to nearby photo",
			lat1: 47.6062, lon1: -122.3321,
			lat2: 47.6063, lon2: -122.3322,
			want: 13.41, tolerance: 0.05,
		},
		{
			name: "One degree of latitude",
			lat1: 0, lon1: 0,
			lat2: 1, lon2: 0,
			want: 111195, tolerance: 1,
		},
		{
			name: "Antipodal points",
			lat1: 0, lon1: 0,
			lat2: 0, lon2: 180,
			want: math.Pi * EarthRadiusMeters, tolerance: 1e-3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("DistanceMeters() = %v, want %v ± %v", got, tt.want, tt.tolerance)
			}
			back := DistanceMeters(tt.lat2, tt.lon2, tt.lat1, tt.lon1)
			if math.Abs(got-back) > 1e-9 {
				t.Errorf("DistanceMeters() not symmetric: %v vs %v", got, back)
			}
		})
	}
}

func TestGeofenceBoundary(t *testing.T) {
	tests := []struct {
		boundary Boundary
		distance float64
		radius   float64
		want     bool
	}{
		{BoundaryInclusive, 150, 150, true},
		{BoundaryInclusive, 149.9, 150, true},
		{BoundaryInclusive, 150.1, 150, false},
		{BoundaryExclusive, 150, 150, false},
		{BoundaryExclusive, 149.9, 150, true},
		{BoundaryInclusive, math.NaN(), 150, false},
	}

	for _, tt := range tests {
		if got := tt.boundary.Contains(tt.distance, tt.radius); got != tt.want {
			t.Errorf("%s.Contains(%v, %v) = %v, want %v", tt.boundary, tt.distance, tt.radius, got, tt.want)
		}
	}

	if !IsWithinGeofence(100, 100) {
		t.Error("IsWithinGeofence(100, 100) = false, want true")
	}
}

func TestParseBoundary(t *testing.T) {
	for input, want := range map[string]Boundary{
		"":           BoundaryInclusive,
		"inclusive":  BoundaryInclusive,
		" Exclusive": BoundaryExclusive,
	} {
		got, err := ParseBoundary(input)
		if err != nil {
			t.Fatalf("ParseBoundary(%q) error: %v", input, err)
		}
		if got != want {
			t.Errorf("ParseBoundary(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseBoundary("fuzzy"); err == nil {
		t.Error("ParseBoundary(\"fuzzy\") should fail")
	}
}

func TestValidCoordinates(t *testing.T) {
	tests := []struct {
		lat, lon float64
		want     bool
	}{
		{47.6, -122.3, true},
		{90, 180, true},
		{-90, -180, true},
		{90.0001, 0, false},
		{0, -180.5, false},
		{math.NaN(), 0, false},
		{0, math.Inf(1), false},
	}
	for _, tt := range tests {
		if got := ValidCoordinates(tt.lat, tt.lon); got != tt.want {
			t.Errorf("ValidCoordinates(%v, %v) = %v, want %v", tt.lat, tt.lon, got, tt.want)
		}
	}
}
