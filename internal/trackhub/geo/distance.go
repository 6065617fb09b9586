// Package geo implements the point-to-polyline distance used by the in-memory route store.
// The postgres store delegates the same query to PostGIS.
package geo

import (
	"math"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

// EarthRadius is the mean Earth radius in metres.
const EarthRadius = 6371008.8

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine returns the great-circle distance in metres between a and b.
func Haversine(a, b model.Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// DistanceToSegment returns the distance in metres from p to the segment [a, b].
// The segment is projected onto a local equirectangular plane centred on p,
// which is accurate for the segment lengths found in road routes.
func DistanceToSegment(p, a, b model.Point) float64 {
	cosLat := math.Cos(radians(p.Lat))
	project := func(q model.Point) (float64, float64) {
		return radians(q.Lon-p.Lon) * cosLat * EarthRadius, radians(q.Lat-p.Lat) * EarthRadius
	}

	ax, ay := project(a)
	bx, by := project(b)
	dx, dy := bx-ax, by-ay

	t := 0.0
	if l2 := dx*dx + dy*dy; l2 > 0 {
		// p sits at the origin.
		t = -(ax*dx + ay*dy) / l2
		t = math.Max(0, math.Min(1, t))
	}

	cx, cy := ax+t*dx, ay+t*dy
	return math.Hypot(cx, cy)
}

// DistanceToPolyline returns the minimum distance in metres from p to any segment of path.
// A single-vertex path degenerates to a point distance. An empty path yields +Inf.
func DistanceToPolyline(p model.Point, path []model.Point) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return Haversine(p, path[0])
	}

	best := math.Inf(1)
	for i := 1; i < len(path); i++ {
		if d := DistanceToSegment(p, path[i-1], path[i]); d < best {
			best = d
		}
	}
	return best
}
