package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

// CreateRoute stores a polyline of at least two points and returns its id.
func (s *Store) CreateRoute(ctx context.Context, name string, path []model.Point) (int64, error) {
	if len(path) < 2 {
		return 0, fmt.Errorf("route %q needs at least two points", name)
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO routes (name, geom) VALUES ($1, ST_GeogFromText($2))
		RETURNING id
	`, name, lineString(path)).Scan(&id)
	return id, mapError(err)
}

// AssignRoute binds a route to a unit from start until end, or open-ended when end is nil.
func (s *Store) AssignRoute(ctx context.Context, a model.RouteAssignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO route_assignments (unit_id, route_id, starts_at, ends_at)
		VALUES ($1, $2, $3, $4)
	`, a.UnitID, a.RouteID, a.Start, a.End)
	return mapError(err)
}

func (s *Store) ActiveAssignment(ctx context.Context, unitID string, at time.Time) (*model.RouteAssignment, error) {
	var a model.RouteAssignment
	err := s.pool.QueryRow(ctx, `
		SELECT unit_id, route_id, starts_at, ends_at
		FROM route_assignments
		WHERE unit_id = $1 AND starts_at <= $2 AND (ends_at IS NULL OR ends_at > $2)
		ORDER BY starts_at DESC, id DESC
		LIMIT 1
	`, unitID, at).Scan(&a.UnitID, &a.RouteID, &a.Start, &a.End)
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

// DistanceToRoute measures on the geography type, so the result is in metres on the spheroid.
func (s *Store) DistanceToRoute(ctx context.Context, routeID int64, p model.Point) (float64, error) {
	var d float64
	err := s.pool.QueryRow(ctx, `
		SELECT ST_Distance(geom, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography)
		FROM routes WHERE id = $1
	`, routeID, p.Lon, p.Lat).Scan(&d)
	if err != nil {
		return 0, mapError(err)
	}
	return d, nil
}

// lineString renders path as WKT. Coordinates are written lon first.
func lineString(path []model.Point) string {
	var b strings.Builder
	b.WriteString("SRID=4326;LINESTRING(")
	for i, p := range path {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%g %g", p.Lon, p.Lat)
	}
	b.WriteString(")")
	return b.String()
}
