package model

import "time"

// Sample is one location report received from a device.
type Sample struct {
	// ID is assigned by the sample store on append.
	ID     int64
	UnitID string

	Timestamp time.Time
	Lat       float64
	Lon       float64

	// Speed is in metres per second. Nil when the device did not report it.
	Speed *float64

	// Heading is in degrees within [0, 360). Nil when not reported.
	Heading *float64

	// Seq is the client-assigned sequence number, kept as metadata only.
	Seq *int64

	// Raw is the frame the sample was decoded from.
	Raw []byte
}

// Point returns the sample coordinates.
func (s *Sample) Point() Point {
	return Point{Lat: s.Lat, Lon: s.Lon}
}

// UnitRuntimeState is the per-unit detection state carried across samples and restarts.
type UnitRuntimeState struct {
	UnitID string

	LastSampleID int64
	LastSampleAt *time.Time
	LastSpeed    *float64

	// StopStartedAt is non-nil while the unit's latest contiguous run of samples is at or below the stop speed.
	StopStartedAt *time.Time

	// StopAlertedAt is the timestamp of the prolonged-stop event emitted for the current episode, if any.
	StopAlertedAt *time.Time

	// LastEventAt is the timestamp of the last event of any kind emitted for the unit.
	LastEventAt *time.Time
}

// Stopped reports whether a stop episode is open.
func (s *UnitRuntimeState) Stopped() bool {
	return s.StopStartedAt != nil
}

// StopAlerted reports whether a prolonged-stop event was already emitted for the open episode.
func (s *UnitRuntimeState) StopAlerted() bool {
	return s.StopStartedAt != nil && s.StopAlertedAt != nil && !s.StopAlertedAt.Before(*s.StopStartedAt)
}
