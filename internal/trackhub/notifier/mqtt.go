// Package notifier mirrors hub activity onto an MQTT bus for downstream consumers.
package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autopeer-io/fleettrack/internal/pkg/metrics"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/pkg/log"
	pkgmqtt "github.com/autopeer-io/fleettrack/pkg/mqtt"
	"github.com/autopeer-io/fleettrack/pkg/mqtt/topic"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

var _ core.EventNotifier = (*MQTTNotifier)(nil)

// Options configures the MQTT notifier.
type Options struct {
	// TopicRoot prefixes every topic, e.g. "ftrack/v1".
	TopicRoot string

	// HubID names this hub instance on the status topic.
	HubID string

	QoS int

	// QueueSize bounds the notifications waiting to be published. Further notifications are dropped.
	QueueSize int

	PublishTimeout time.Duration
}

type publication struct {
	topic   string
	retain  bool
	payload []byte
}

// MQTTNotifier publishes anomaly events and device presence from a single background worker.
// Notify calls only enqueue, so a slow or unreachable broker never stalls a device session.
type MQTTNotifier struct {
	client pkgmqtt.Client
	topics *topic.TopicBuilder
	opts   Options
	queue  chan publication
	logger log.Logger
}

// eventPayload is the JSON published on {root}/event/{unitID}.
type eventPayload struct {
	EventID   int64          `json:"eventId"`
	UnitID    string         `json:"unitId"`
	Kind      string         `json:"kind"`
	Detail    string         `json:"detail"`
	Timestamp time.Time      `json:"timestamp"`
	SampleID  int64          `json:"sampleId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// presencePayload is the JSON published, retained, on {root}/presence/{unitID}.
type presencePayload struct {
	UnitID    string    `json:"unitId"`
	DeviceID  string    `json:"deviceId"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMQTTNotifier wraps a client that has not been started yet. Start connects it.
func NewMQTTNotifier(client pkgmqtt.Client, opts Options) *MQTTNotifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	return &MQTTNotifier{
		client: client,
		topics: topic.NewTopicBuilder(opts.TopicRoot),
		opts:   opts,
		queue:  make(chan publication, opts.QueueSize),
		logger: log.WithName("mqtt-notifier"),
	}
}

// WillConfig points the client's will at the hub status topic so the broker reports the hub offline if it dies.
func WillConfig(cfg *pkgmqtt.ClientConfig, topicRoot, hubID string) {
	cfg.WillTopic = topic.NewTopicBuilder(topicRoot).Status(hubID)
	cfg.WillPayload = []byte(statusOffline)
	cfg.WillQoS = 1
	cfg.WillRetain = true
}

// Start connects the client and publishes queued notifications until ctx is done.
func (n *MQTTNotifier) Start(ctx context.Context) error {
	if err := n.client.Start(ctx); err != nil {
		return err
	}
	n.logger.Info("Starting MQTT notifier", "root", n.opts.TopicRoot, "hubID", n.opts.HubID)

	status := n.topics.Status(n.opts.HubID)
	n.publish(ctx, publication{topic: status, retain: true, payload: []byte(statusOnline)})

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled, so the farewell gets its own deadline.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), n.opts.PublishTimeout)
			n.publish(shutdownCtx, publication{topic: status, retain: true, payload: []byte(statusOffline)})
			n.client.Disconnect(shutdownCtx)
			cancel()
			return nil
		case p := <-n.queue:
			n.publish(ctx, p)
		}
	}
}

func (n *MQTTNotifier) NotifyEvent(_ context.Context, e *model.AnomalyEvent) {
	n.enqueue(n.topics.Event(e.UnitID), false, eventPayload{
		EventID:   e.ID,
		UnitID:    e.UnitID,
		Kind:      string(e.Kind),
		Detail:    e.Detail,
		Timestamp: e.Timestamp,
		SampleID:  e.SampleID,
		Metadata:  e.Metadata,
	})
}

func (n *MQTTNotifier) NotifyPresence(_ context.Context, unitID, deviceID string, connected bool, at time.Time) {
	n.enqueue(n.topics.Presence(unitID), true, presencePayload{
		UnitID:    unitID,
		DeviceID:  deviceID,
		Connected: connected,
		Timestamp: at.UTC(),
	})
}

func (n *MQTTNotifier) enqueue(topic string, retain bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.logger.Error(err, "Failed to encode notification", "topic", topic)
		return
	}

	select {
	case n.queue <- publication{topic: topic, retain: retain, payload: payload}:
	default:
		metrics.NotifierDropped.Inc()
		n.logger.Warn("Notification queue full, dropping", "topic", topic)
	}
}

func (n *MQTTNotifier) publish(ctx context.Context, p publication) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.PublishTimeout)
	defer cancel()

	if err := n.client.Publish(ctx, p.topic, n.opts.QoS, p.retain, p.payload); err != nil {
		metrics.NotifierPublishes.WithLabelValues("failed").Inc()
		n.logger.Error(err, "Failed to publish notification", "topic", p.topic)
		return
	}
	metrics.NotifierPublishes.WithLabelValues("ok").Inc()
}
