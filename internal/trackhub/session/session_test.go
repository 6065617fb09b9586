package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/credential"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/detection"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/internal/trackhub/protocol"
	"github.com/autopeer-io/fleettrack/internal/trackhub/registry"
	"github.com/autopeer-io/fleettrack/internal/trackhub/storage/memory"
)

const waitFor = 2 * time.Second

var epoch = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn is an in-memory Conn. The test writes frames into in and reads what the hub wrote from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	timeout time.Duration
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	d := c.timeout
	c.mu.Unlock()

	var expired <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	select {
	case f, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, net.ErrClosed
	case <-expired:
		return nil, timeoutError{}
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func send(t *testing.T, c *fakeConn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.JSON.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- data
}

func recv(t *testing.T, c *fakeConn, set protocol.Set) protocol.Message {
	t.Helper()
	select {
	case frame := <-c.out:
		msg, err := protocol.JSON.Decode(frame, set)
		if err != nil {
			t.Fatalf("hub wrote an undecodable frame %s: %v", frame, err)
		}
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func recvAs[T protocol.Message](t *testing.T, c *fakeConn, set protocol.Set) T {
	t.Helper()
	msg := recv(t, c, set)
	typed, ok := msg.(T)
	if !ok {
		var zero T
		t.Fatalf("got %s, want %T", msg.MessageType(), zero)
	}
	return typed
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not end")
		return nil
	}
}

type harness struct {
	store    *memory.Store
	creds    *credential.Service
	registry *registry.Registry
	clock    *testingclock.FakeClock
	handler  *Handler
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AuthTimeout = waitFor
	cfg.IdleTimeout = 0
	cfg.RotationCheckInterval = time.Hour
	cfg.RotationThreshold = time.Hour
	cfg.CredentialTTL = 3 * time.Hour
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...registry.Option) *harness {
	t.Helper()

	store := memory.New()
	store.PutUnit(model.Unit{ID: "U1", Active: true})
	clk := testingclock.NewFakeClock(epoch)

	creds := credential.NewService(store, store, credential.WithClock(clk))
	engine := detection.NewEngine(detection.DefaultConfig(), store, store, store, detection.WithClock(clk))
	reg := registry.New(append([]registry.Option{registry.WithClock(clk)}, opts...)...)

	return &harness{
		store:    store,
		creds:    creds,
		registry: reg,
		clock:    clk,
		handler:  NewHandler(cfg, creds, engine, reg, WithClock(clk)),
	}
}

func (h *harness) issue(t *testing.T, deviceID string, ttl time.Duration) string {
	t.Helper()
	issued, err := h.creds.Issue(context.Background(), "U1", deviceID, ttl, false)
	if err != nil {
		t.Fatal(err)
	}
	return issued.Secret
}

func (h *harness) device(ctx context.Context) (*fakeConn, <-chan error) {
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- h.handler.ServeDevice(ctx, conn, protocol.JSON) }()
	return conn, done
}

func (h *harness) observer(ctx context.Context) (*fakeConn, <-chan error) {
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- h.handler.ServeObserver(ctx, conn, protocol.JSON) }()
	return conn, done
}

func (h *harness) login(t *testing.T, conn *fakeConn, deviceID, secret string) {
	t.Helper()
	send(t, conn, &protocol.Auth{DeviceID: deviceID, Secret: secret})
	ok := recvAs[*protocol.AuthOK](t, conn, protocol.DeviceOutbound)
	if ok.UnitID != "U1" {
		t.Fatalf("AUTH_OK unit = %q, want U1", ok.UnitID)
	}
}

func ptr[T any](v T) *T { return &v }

func TestDeviceSessionMessageLoop(t *testing.T) {
	h := newHarness(t, testConfig())
	secret := h.issue(t, "D1", 0)

	conn, done := h.device(context.Background())
	h.login(t, conn, "D1", secret)

	if connected, _ := h.registry.Connected("U1"); !connected {
		t.Fatal("unit not registered as connected after AUTH_OK")
	}

	send(t, conn, &protocol.Sample{Lat: ptr(19.43), Lon: ptr(-99.13), Speed: ptr(30.0), Timestamp: ptr(epoch)})
	ack := recvAs[*protocol.SampleAck](t, conn, protocol.DeviceOutbound)
	if ack.SampleID == 0 || ack.EventID == nil {
		t.Errorf("SAMPLE_ACK = %+v, want sample id and the overspeed event id", ack)
	}

	send(t, conn, &protocol.Sample{Lat: ptr(19.43), Speed: ptr(1.0)})
	if e := recvAs[*protocol.Error](t, conn, protocol.DeviceOutbound); e.Code != protocol.CodeInvalidSample {
		t.Errorf("missing lon: code = %q, want %q", e.Code, protocol.CodeInvalidSample)
	}

	send(t, conn, &protocol.Sample{Lat: ptr(95.0), Lon: ptr(0.0)})
	if e := recvAs[*protocol.Error](t, conn, protocol.DeviceOutbound); e.Code != protocol.CodeInvalidSample {
		t.Errorf("latitude out of range: code = %q, want %q", e.Code, protocol.CodeInvalidSample)
	}

	send(t, conn, &protocol.Ping{})
	if pong := recvAs[*protocol.Pong](t, conn, protocol.DeviceOutbound); !pong.Timestamp.Equal(epoch) {
		t.Errorf("PONG timestamp = %v, want %v", pong.Timestamp, epoch)
	}

	conn.in <- []byte(`{"type":"TELEPORT"}`)
	if e := recvAs[*protocol.Error](t, conn, protocol.DeviceOutbound); e.Code != protocol.CodeUnknownMessageType {
		t.Errorf("unknown type: code = %q", e.Code)
	}

	conn.in <- []byte(`{not json`)
	if e := recvAs[*protocol.Error](t, conn, protocol.DeviceOutbound); e.Code != protocol.CodeInvalidMessage {
		t.Errorf("garbage: code = %q", e.Code)
	}

	// Samples are acknowledged in the order they were sent.
	for i := 0; i < 5; i++ {
		send(t, conn, &protocol.Sample{Lat: ptr(19.43), Lon: ptr(-99.13), Speed: ptr(10.0), Seq: ptr(int64(i)), Timestamp: ptr(epoch.Add(time.Duration(i) * time.Second))})
	}
	var last int64
	for i := 0; i < 5; i++ {
		ack := recvAs[*protocol.SampleAck](t, conn, protocol.DeviceOutbound)
		if ack.SampleID <= last {
			t.Errorf("ack %d has sample id %d after %d", i, ack.SampleID, last)
		}
		last = ack.SampleID
	}

	close(conn.in)
	if err := wait(t, done); err != nil {
		t.Errorf("ServeDevice() = %v, want nil on peer close", err)
	}
	if connected, _ := h.registry.Connected("U1"); connected {
		t.Error("unit still connected after the session ended")
	}
}

func TestDeviceAuthenticationFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	secret := h.issue(t, "D1", 0)

	tests := []struct {
		name string
		auth *protocol.Auth
	}{
		{"unknown secret", &protocol.Auth{DeviceID: "D1", Secret: strings.Repeat("f", 64)}},
		{"wrong device", &protocol.Auth{DeviceID: "D2", Secret: secret}},
		{"empty", &protocol.Auth{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, done := h.device(context.Background())
			send(t, conn, tt.auth)

			failed := recvAs[*protocol.AuthFailed](t, conn, protocol.DeviceOutbound)
			if failed.Reason != genericAuthFailure {
				t.Errorf("Reason = %q, want the generic reason", failed.Reason)
			}
			if err := wait(t, done); !errors.Is(err, core.ErrAuthentication) {
				t.Errorf("ServeDevice() = %v, want ErrAuthentication", err)
			}
			if !conn.isClosed() {
				t.Error("connection left open after failed authentication")
			}
		})
	}

	if got := len(h.registry.Sessions().Devices); got != 0 {
		t.Errorf("registered devices = %d, want 0", got)
	}
}

func TestDeviceMustAuthenticateFirst(t *testing.T) {
	h := newHarness(t, testConfig())
	conn, done := h.device(context.Background())

	send(t, conn, &protocol.Ping{})
	recvAs[*protocol.AuthFailed](t, conn, protocol.DeviceOutbound)
	if err := wait(t, done); err == nil {
		t.Error("ServeDevice() = nil, want an error for a session that never authenticated")
	}
}

func TestDeviceAuthTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AuthTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)

	conn, done := h.device(context.Background())
	if err := wait(t, done); !isTimeout(err) {
		t.Errorf("ServeDevice() = %v, want a timeout", err)
	}
	if !conn.isClosed() {
		t.Error("connection left open after the auth timeout")
	}
}

func TestDeviceReplacementClosesPreviousSession(t *testing.T) {
	h := newHarness(t, testConfig())
	secret := h.issue(t, "D1", 0)

	first, firstDone := h.device(context.Background())
	h.login(t, first, "D1", secret)

	second, secondDone := h.device(context.Background())
	h.login(t, second, "D1", secret)

	if err := wait(t, firstDone); err != nil {
		t.Errorf("replaced session ended with %v", err)
	}
	if !first.isClosed() {
		t.Error("first connection still open")
	}
	if got := h.registry.Sessions().Devices; len(got) != 1 {
		t.Fatalf("registered devices = %d, want 1", len(got))
	}
	if connected, _ := h.registry.Connected("U1"); !connected {
		t.Error("replaced session unregistered its successor")
	}

	close(second.in)
	wait(t, secondDone)
}

func TestDeviceRejectPolicy(t *testing.T) {
	h := newHarness(t, testConfig(), registry.WithPolicy(registry.PolicyReject))
	secret := h.issue(t, "D1", 0)

	first, firstDone := h.device(context.Background())
	h.login(t, first, "D1", secret)

	second, secondDone := h.device(context.Background())
	send(t, second, &protocol.Auth{DeviceID: "D1", Secret: secret})
	recvAs[*protocol.AuthFailed](t, second, protocol.DeviceOutbound)
	if err := wait(t, secondDone); !errors.Is(err, core.ErrDeviceBusy) {
		t.Errorf("ServeDevice() = %v, want ErrDeviceBusy", err)
	}
	if first.isClosed() {
		t.Error("existing session closed under the reject policy")
	}

	close(first.in)
	wait(t, firstDone)
}

func TestRotationPushesSecondValidSecret(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	old := h.issue(t, "D1", 3*time.Hour)

	conn, done := h.device(ctx)
	h.login(t, conn, "D1", old)

	deadline := time.Now().Add(waitFor)
	for !h.clock.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("rotation ticker never started")
		}
		time.Sleep(time.Millisecond)
	}
	h.clock.Step(2 * time.Hour)

	rot := recvAs[*protocol.Rotation](t, conn, protocol.DeviceOutbound)
	if rot.NewSecret == "" || rot.NewSecret == old {
		t.Fatalf("ROTATION secret = %q", rot.NewSecret)
	}
	if rot.GracePeriodDays != 7 {
		t.Errorf("GracePeriodDays = %d, want 7", rot.GracePeriodDays)
	}
	if want := epoch.Add(5 * time.Hour); rot.ExpiresAt == nil || !rot.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rot.ExpiresAt, want)
	}

	if !h.creds.Verify(ctx, "U1", old) {
		t.Error("previous secret invalid right after rotation")
	}
	if !h.creds.Verify(ctx, "U1", rot.NewSecret) {
		t.Error("rotated secret does not verify")
	}

	send(t, conn, &protocol.RotationAck{Accepted: true, DeviceID: "D1"})

	// The session keeps serving samples while rotation completes.
	send(t, conn, &protocol.Sample{Lat: ptr(0.0), Lon: ptr(0.0), Speed: ptr(5.0)})
	recvAs[*protocol.SampleAck](t, conn, protocol.DeviceOutbound)

	close(conn.in)
	wait(t, done)
}

func TestRotationCheckedOnConnect(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	old := h.issue(t, "D1", 30*time.Minute)

	conn, done := h.device(ctx)
	h.login(t, conn, "D1", old)

	// No clock step: the credential is already inside the rotation threshold.
	rot := recvAs[*protocol.Rotation](t, conn, protocol.DeviceOutbound)
	if rot.NewSecret == "" || rot.NewSecret == old {
		t.Fatalf("ROTATION secret = %q", rot.NewSecret)
	}
	if want := epoch.Add(3 * time.Hour); rot.ExpiresAt == nil || !rot.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rot.ExpiresAt, want)
	}
	send(t, conn, &protocol.RotationAck{Accepted: true, DeviceID: "D1"})

	close(conn.in)
	wait(t, done)
}

func TestObserverReceivesUnitTraffic(t *testing.T) {
	h := newHarness(t, testConfig())
	secret := h.issue(t, "D1", 0)
	ctx := context.Background()

	obs, obsDone := h.observer(ctx)
	send(t, obs, &protocol.Subscribe{UnitIDs: []string{"U1"}})
	if sub := recvAs[*protocol.Subscribed](t, obs, protocol.ObserverOutbound); !sub.Ack || len(sub.UnitIDs) != 1 {
		t.Errorf("SUBSCRIBED = %+v", sub)
	}
	if st := recvAs[*protocol.ConnectionState](t, obs, protocol.ObserverOutbound); st.IsConnected {
		t.Error("initial CONNECTION_STATE reports a connected unit")
	}

	dev, devDone := h.device(ctx)
	h.login(t, dev, "D1", secret)
	if st := recvAs[*protocol.ConnectionState](t, obs, protocol.ObserverOutbound); !st.IsConnected || st.UnitID != "U1" {
		t.Errorf("CONNECTION_STATE after login = %+v", st)
	}

	send(t, dev, &protocol.Sample{Lat: ptr(19.4), Lon: ptr(-99.1), Speed: ptr(30.0), Timestamp: ptr(epoch)})
	ack := recvAs[*protocol.SampleAck](t, dev, protocol.DeviceOutbound)

	pos := recvAs[*protocol.PositionUpdate](t, obs, protocol.ObserverOutbound)
	if pos.SampleID != ack.SampleID || pos.Lat != 19.4 {
		t.Errorf("POSITION_UPDATE = %+v, want sample %d", pos, ack.SampleID)
	}
	alert := recvAs[*protocol.EventAlert](t, obs, protocol.ObserverOutbound)
	if alert.Kind != string(model.EventKindOverspeed) || alert.EventID != *ack.EventID {
		t.Errorf("EVENT_ALERT = %+v", alert)
	}

	close(dev.in)
	wait(t, devDone)
	if st := recvAs[*protocol.ConnectionState](t, obs, protocol.ObserverOutbound); st.IsConnected || st.LastSeen == nil {
		t.Errorf("CONNECTION_STATE after disconnect = %+v", st)
	}

	close(obs.in)
	if err := wait(t, obsDone); err != nil {
		t.Errorf("ServeObserver() = %v", err)
	}
	if got := h.registry.Sessions().Observers; got != 0 {
		t.Errorf("observers = %d after disconnect", got)
	}
}

func TestObserverControlMessages(t *testing.T) {
	h := newHarness(t, testConfig())
	obs, done := h.observer(context.Background())

	send(t, obs, &protocol.Subscribe{})
	if e := recvAs[*protocol.Error](t, obs, protocol.ObserverOutbound); e.Code != protocol.CodeInvalidRequest {
		t.Errorf("empty subscribe: code = %q", e.Code)
	}

	send(t, obs, &protocol.Subscribe{UnitIDs: []string{"U1", "U2"}})
	recvAs[*protocol.Subscribed](t, obs, protocol.ObserverOutbound)
	recvAs[*protocol.ConnectionState](t, obs, protocol.ObserverOutbound)
	recvAs[*protocol.ConnectionState](t, obs, protocol.ObserverOutbound)

	send(t, obs, &protocol.Unsubscribe{UnitIDs: []string{"U2"}})
	if un := recvAs[*protocol.Unsubscribed](t, obs, protocol.ObserverOutbound); !un.Ack {
		t.Errorf("UNSUBSCRIBED = %+v", un)
	}

	send(t, obs, &protocol.Ping{})
	recvAs[*protocol.Pong](t, obs, protocol.ObserverOutbound)

	// Device-only frames are unknown on the observer channel.
	send(t, obs, &protocol.Auth{DeviceID: "D1"})
	if e := recvAs[*protocol.Error](t, obs, protocol.ObserverOutbound); e.Code != protocol.CodeUnknownMessageType {
		t.Errorf("AUTH on observer channel: code = %q", e.Code)
	}

	close(obs.in)
	wait(t, done)
}

func TestObserverLargeSubscribeKeepsSession(t *testing.T) {
	cfg := testConfig()
	cfg.OutboxSize = 4
	h := newHarness(t, cfg)
	obs, done := h.observer(context.Background())

	unitIDs := make([]string, 200)
	for i := range unitIDs {
		unitIDs[i] = fmt.Sprintf("U%03d", i)
	}
	send(t, obs, &protocol.Subscribe{UnitIDs: unitIDs})

	if sub := recvAs[*protocol.Subscribed](t, obs, protocol.ObserverOutbound); len(sub.UnitIDs) != len(unitIDs) {
		t.Fatalf("SUBSCRIBED carries %d units, want %d", len(sub.UnitIDs), len(unitIDs))
	}
	for i := range unitIDs {
		st := recvAs[*protocol.ConnectionState](t, obs, protocol.ObserverOutbound)
		if st.UnitID != unitIDs[i] {
			t.Fatalf("CONNECTION_STATE %d is for %q, want %q", i, st.UnitID, unitIDs[i])
		}
	}

	send(t, obs, &protocol.Ping{})
	recvAs[*protocol.Pong](t, obs, protocol.ObserverOutbound)
	if obs.isClosed() {
		t.Error("observer closed after a subscribe larger than its outbox")
	}
	if got := h.registry.Sessions().Observers; got != 1 {
		t.Errorf("observers = %d, want the subscribing observer to stay registered", got)
	}

	close(obs.in)
	wait(t, done)
}

func TestSessionsEndWithContext(t *testing.T) {
	h := newHarness(t, testConfig())
	secret := h.issue(t, "D1", 0)
	ctx, cancel := context.WithCancel(context.Background())

	dev, devDone := h.device(ctx)
	h.login(t, dev, "D1", secret)
	obs, obsDone := h.observer(ctx)
	send(t, obs, &protocol.Ping{})
	recvAs[*protocol.Pong](t, obs, protocol.ObserverOutbound)

	cancel()

	if err := wait(t, devDone); err != nil {
		t.Errorf("ServeDevice() = %v after cancel", err)
	}
	if err := wait(t, obsDone); err != nil {
		t.Errorf("ServeObserver() = %v after cancel", err)
	}
	if !dev.isClosed() || !obs.isClosed() {
		t.Error("connections left open after cancel")
	}
	if snap := h.registry.Sessions(); len(snap.Devices) != 0 || snap.Observers != 0 {
		t.Errorf("registry not empty after cancel: %+v", snap)
	}
}
