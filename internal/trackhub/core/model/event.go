package model

import "time"

// EventKind classifies an anomaly event.
type EventKind string

const (
	EventKindOutOfRoute    EventKind = "OUT_OF_ROUTE"
	EventKindProlongedStop EventKind = "PROLONGED_STOP"
	EventKindOverspeed     EventKind = "OVERSPEED"
	EventKindGeneralAlert  EventKind = "GENERAL_ALERT"
)

// Metadata keys used by the detection engine.
const (
	MetaRouteID         = "route_id"
	MetaDistanceMeters  = "distance_m"
	MetaThresholdMeters = "threshold_m"
	MetaStopSeconds     = "stop_duration_s"
	MetaStopSince       = "stop_since"
	MetaSpeed           = "speed_ms"
	MetaSpeedKmh        = "speed_kmh"
	MetaLimit           = "limit_ms"
	MetaLimitKmh        = "limit_kmh"
)

// AnomalyEvent is an immutable record of a detected anomaly.
type AnomalyEvent struct {
	ID        int64          `json:"id"`
	UnitID    string         `json:"unitId"`
	Kind      EventKind      `json:"kind"`
	Detail    string         `json:"detail"`
	Timestamp time.Time      `json:"timestamp"`
	SampleID  int64          `json:"sampleId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
