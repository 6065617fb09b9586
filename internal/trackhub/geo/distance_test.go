package geo

import (
	"math"
	"testing"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

// metresPerDegreeLat is the length of one degree of latitude on the mean sphere.
var metresPerDegreeLat = EarthRadius * math.Pi / 180

func within(got, want, tolerance float64) bool {
	return math.Abs(got-want) <= tolerance
}

func TestHaversine(t *testing.T) {
	a := model.Point{Lat: 0, Lon: 0}
	b := model.Point{Lat: 1, Lon: 0}

	if got := Haversine(a, b); !within(got, metresPerDegreeLat, 0.01) {
		t.Errorf("Haversine() = %f, want %f", got, metresPerDegreeLat)
	}
	if got := Haversine(a, a); got != 0 {
		t.Errorf("Haversine(a, a) = %f, want 0", got)
	}
}

func TestDistanceToPolyline(t *testing.T) {
	// A straight east-west road along the equator, 0.01 degrees long.
	road := []model.Point{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.005}, {Lat: 0, Lon: 0.01}}
	offset := func(metres float64) float64 { return metres / metresPerDegreeLat }

	tests := []struct {
		name string
		p    model.Point
		path []model.Point
		want float64
	}{
		{"on the road", model.Point{Lat: 0, Lon: 0.004}, road, 0},
		{"50 m north of the middle", model.Point{Lat: offset(50), Lon: 0.005}, road, 50},
		{"350 m south of the middle", model.Point{Lat: -offset(350), Lon: 0.0025}, road, 350},
		{"beyond the end clamps to the endpoint", model.Point{Lat: 0, Lon: 0.01 + offset(100)}, road, 100},
		{"single vertex", model.Point{Lat: offset(10), Lon: 0}, road[:1], 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DistanceToPolyline(tt.p, tt.path); !within(got, tt.want, 0.5) {
				t.Errorf("DistanceToPolyline() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestDistanceToPolylineEmpty(t *testing.T) {
	if got := DistanceToPolyline(model.Point{}, nil); !math.IsInf(got, 1) {
		t.Errorf("DistanceToPolyline(nil) = %f, want +Inf", got)
	}
}
