package core

import (
	"context"
	"time"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

// EventNotifier mirrors hub activity to an external bus.
// Implementations must not block the caller on network I/O.
type EventNotifier interface {
	// NotifyEvent publishes a detected anomaly.
	NotifyEvent(ctx context.Context, event *model.AnomalyEvent)

	// NotifyPresence publishes a device connect or disconnect.
	NotifyPresence(ctx context.Context, unitID, deviceID string, connected bool, at time.Time)
}
