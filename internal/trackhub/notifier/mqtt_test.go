package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/autopeer-io/fleettrack/internal/pkg/metrics"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	pkgmqtt "github.com/autopeer-io/fleettrack/pkg/mqtt"
)

type published struct {
	Topic   string
	Retain  bool
	Payload string
}

type fakeClient struct {
	mu           sync.Mutex
	started      bool
	disconnected bool
	failPublish  bool
	out          chan published
}

var _ pkgmqtt.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{out: make(chan published, 16)}
}

func (c *fakeClient) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeClient) Disconnect(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Publish(_ context.Context, topic string, _ int, retain bool, payload []byte) error {
	c.mu.Lock()
	fail := c.failPublish
	c.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	c.out <- published{Topic: topic, Retain: retain, Payload: string(payload)}
	return nil
}

func (c *fakeClient) Subscribe(context.Context, string, int, pkgmqtt.MessageHandler) error { return nil }
func (c *fakeClient) Unsubscribe(context.Context, string) error                           { return nil }
func (c *fakeClient) AwaitConnection(context.Context) error                               { return nil }
func (c *fakeClient) IsConnected() bool                                                   { return true }

func (c *fakeClient) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-c.out:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return published{}
	}
}

func TestMQTTNotifier(t *testing.T) {
	client := newFakeClient()
	n := NewMQTTNotifier(client, Options{TopicRoot: "ftrack/v1", HubID: "hub-0", QoS: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Start(ctx) }()

	if diff := cmp.Diff(published{"ftrack/v1/status/hub-0", true, "online"}, client.next(t)); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	n.NotifyEvent(ctx, &model.AnomalyEvent{
		ID: 7, UnitID: "U1", Kind: model.EventKindOverspeed, Detail: "fast", Timestamp: at, SampleID: 3,
		Metadata: map[string]any{model.MetaSpeed: 30.0},
	})
	got := client.next(t)
	if got.Topic != "ftrack/v1/event/U1" || got.Retain {
		t.Errorf("event published to %q retain=%v", got.Topic, got.Retain)
	}
	var ev eventPayload
	if err := json.Unmarshal([]byte(got.Payload), &ev); err != nil {
		t.Fatal(err)
	}
	want := eventPayload{
		EventID: 7, UnitID: "U1", Kind: "OVERSPEED", Detail: "fast", Timestamp: at, SampleID: 3,
		Metadata: map[string]any{model.MetaSpeed: 30.0},
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("event payload mismatch (-want +got):\n%s", diff)
	}

	n.NotifyPresence(ctx, "U1", "D1", false, at)
	got = client.next(t)
	if got.Topic != "ftrack/v1/presence/U1" || !got.Retain {
		t.Errorf("presence published to %q retain=%v", got.Topic, got.Retain)
	}
	var pr presencePayload
	if err := json.Unmarshal([]byte(got.Payload), &pr); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(presencePayload{UnitID: "U1", DeviceID: "D1", Timestamp: at}, pr); diff != "" {
		t.Errorf("presence payload mismatch (-want +got):\n%s", diff)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if got := client.next(t); got.Payload != "offline" || got.Topic != "ftrack/v1/status/hub-0" {
		t.Errorf("farewell = %+v", got)
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}
}

func TestMQTTNotifierDropsWhenFull(t *testing.T) {
	n := NewMQTTNotifier(newFakeClient(), Options{TopicRoot: "ftrack/v1", QueueSize: 1})
	before := testutil.ToFloat64(metrics.NotifierDropped)

	// No worker is running, so the second notification finds the queue full.
	n.NotifyPresence(context.Background(), "U1", "D1", true, time.Now())
	n.NotifyPresence(context.Background(), "U1", "D1", false, time.Now())

	if got := testutil.ToFloat64(metrics.NotifierDropped) - before; got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if len(n.queue) != 1 {
		t.Errorf("queue length = %d, want 1", len(n.queue))
	}
}

func TestMQTTNotifierPublishFailure(t *testing.T) {
	client := newFakeClient()
	client.failPublish = true
	n := NewMQTTNotifier(client, Options{TopicRoot: "ftrack/v1"})
	before := testutil.ToFloat64(metrics.NotifierPublishes.WithLabelValues("failed"))

	n.publish(context.Background(), publication{topic: "ftrack/v1/event/U1", payload: []byte("{}")})

	if got := testutil.ToFloat64(metrics.NotifierPublishes.WithLabelValues("failed")) - before; got != 1 {
		t.Errorf("failed publishes = %v, want 1", got)
	}
}

func TestWillConfig(t *testing.T) {
	cfg := &pkgmqtt.ClientConfig{BrokerURL: "tcp://localhost:1883"}
	WillConfig(cfg, "ftrack/v1", "hub-0")
	if cfg.WillTopic != "ftrack/v1/status/hub-0" || string(cfg.WillPayload) != "offline" || !cfg.WillRetain {
		t.Errorf("will = %q %q retain=%v", cfg.WillTopic, cfg.WillPayload, cfg.WillRetain)
	}
}
