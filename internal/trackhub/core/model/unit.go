package model

import "time"

// Unit represents a tracked vehicle as known by the system of record.
// The hub only ever reads units; they are created and deactivated elsewhere.
type Unit struct {
	// ID is the unique identifier of the unit (e.g. "UNIT-001").
	ID string

	// Plate is the licence plate, informational only.
	Plate string

	// Active is false for units that must no longer authenticate.
	Active bool
}

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Route is an ordered polyline a unit is expected to follow.
type Route struct {
	ID   int64
	Name string
	Path []Point
}

// RouteAssignment binds a route to a unit for a time interval.
// A nil End means the assignment is open-ended.
type RouteAssignment struct {
	UnitID  string
	RouteID int64
	Start   time.Time
	End     *time.Time
}

// Covers reports whether the assignment interval contains t.
func (a *RouteAssignment) Covers(t time.Time) bool {
	if t.Before(a.Start) {
		return false
	}
	return a.End == nil || t.Before(*a.End)
}
