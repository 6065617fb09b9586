package memory

import (
	"fmt"
	"time"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

// Seed declares development fixtures loaded into a memory store at startup.
type Seed struct {
	Units  []SeedUnit  `json:"units" mapstructure:"units"`
	Routes []SeedRoute `json:"routes" mapstructure:"routes"`
}

type SeedUnit struct {
	ID       string `json:"id" mapstructure:"id"`
	Plate    string `json:"plate" mapstructure:"plate"`
	Inactive bool   `json:"inactive" mapstructure:"inactive"`
}

// SeedRoute is a polyline given as [lon, lat] pairs, assigned open-ended to Units.
type SeedRoute struct {
	ID          int64       `json:"id" mapstructure:"id"`
	Name        string      `json:"name" mapstructure:"name"`
	Coordinates [][]float64 `json:"coordinates" mapstructure:"coordinates"`
	Units       []string    `json:"units" mapstructure:"units"`
}

// Apply loads the seed into s.
func (s *Store) Apply(seed *Seed) error {
	if seed == nil {
		return nil
	}

	for _, u := range seed.Units {
		if u.ID == "" {
			return fmt.Errorf("seed unit without id")
		}
		s.PutUnit(model.Unit{ID: u.ID, Plate: u.Plate, Active: !u.Inactive})
	}

	for _, r := range seed.Routes {
		if len(r.Coordinates) < 2 {
			return fmt.Errorf("seed route %q needs at least two coordinates", r.Name)
		}

		path := make([]model.Point, 0, len(r.Coordinates))
		for i, c := range r.Coordinates {
			if len(c) != 2 {
				return fmt.Errorf("seed route %q coordinate %d: want [lon, lat]", r.Name, i)
			}
			path = append(path, model.Point{Lon: c[0], Lat: c[1]})
		}

		id := s.PutRoute(model.Route{ID: r.ID, Name: r.Name, Path: path})
		for _, unitID := range r.Units {
			if err := s.AssignRoute(model.RouteAssignment{UnitID: unitID, RouteID: id, Start: time.Time{}}); err != nil {
				return err
			}
		}
	}

	return nil
}
