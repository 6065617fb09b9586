package notifier

import (
	"context"
	"time"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

var _ core.EventNotifier = Nop{}

// Nop discards every notification. It is used when the MQTT mirror is disabled.
type Nop struct{}

func (Nop) NotifyEvent(context.Context, *model.AnomalyEvent) {}

func (Nop) NotifyPresence(context.Context, string, string, bool, time.Time) {}
