package session

import (
	"time"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/internal/trackhub/protocol"
)

// toSample converts a SAMPLE frame. Missing coordinates are rejected; a missing timestamp becomes now.
func toSample(m *protocol.Sample, raw []byte, now time.Time) (*model.Sample, error) {
	if m.Lat == nil || m.Lon == nil {
		return nil, core.Validationf("lat and lon are required")
	}

	ts := now
	if m.Timestamp != nil {
		ts = *m.Timestamp
	}

	return &model.Sample{
		Timestamp: ts.UTC(),
		Lat:       *m.Lat,
		Lon:       *m.Lon,
		Speed:     m.Speed,
		Heading:   m.Heading,
		Seq:       m.Seq,
		Raw:       raw,
	}, nil
}

func positionUpdate(s *model.Sample) *protocol.PositionUpdate {
	return &protocol.PositionUpdate{
		UnitID:    s.UnitID,
		SampleID:  s.ID,
		Lat:       s.Lat,
		Lon:       s.Lon,
		Speed:     s.Speed,
		Heading:   s.Heading,
		Timestamp: s.Timestamp,
	}
}

func eventAlert(e *model.AnomalyEvent) *protocol.EventAlert {
	return &protocol.EventAlert{
		UnitID:    e.UnitID,
		EventID:   e.ID,
		Kind:      string(e.Kind),
		Detail:    e.Detail,
		Timestamp: e.Timestamp,
		SampleID:  e.SampleID,
	}
}
