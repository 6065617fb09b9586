package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core/credential"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/detection"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/internal/trackhub/protocol"
	"github.com/autopeer-io/fleettrack/internal/trackhub/registry"
	"github.com/autopeer-io/fleettrack/internal/trackhub/session"
	"github.com/autopeer-io/fleettrack/internal/trackhub/storage/memory"
	"github.com/autopeer-io/fleettrack/pkg/options"
)

const waitFor = 2 * time.Second

type harness struct {
	srv   *httptest.Server
	store *memory.Store
	reg   *registry.Registry
}

func newHarness(t *testing.T, mutate ...func(*options.HttpOptions)) *harness {
	t.Helper()

	store := memory.New()
	store.PutUnit(model.Unit{ID: "U1", Active: true})

	creds := credential.NewService(store, store)
	engine := detection.NewEngine(detection.DefaultConfig(), store, store, store)
	reg := registry.New()
	handler := session.NewHandler(session.DefaultConfig(), creds, engine, reg)

	opts := options.NewHttpOptions()
	for _, m := range mutate {
		m(opts)
	}
	s := NewServer(opts, Deps{Sessions: handler, Credentials: creds, Store: store, Registry: reg})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
	})
	return &harness{srv: srv, store: store, reg: reg}
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func (h *harness) issue(t *testing.T, unitID, deviceID string) issueResponse {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/v1/credentials", issueRequest{UnitID: unitID, DeviceID: deviceID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status = %d", resp.StatusCode)
	}
	return decodeJSON[issueResponse](t, resp)
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, codec protocol.Codec, msg protocol.Message) {
	t.Helper()
	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	mt := websocket.TextMessage
	if codec.Binary() {
		mt = websocket.BinaryMessage
	}
	if err := ws.WriteMessage(mt, data); err != nil {
		t.Fatal(err)
	}
}

func read[T protocol.Message](t *testing.T, ws *websocket.Conn, codec protocol.Codec, set protocol.Set) T {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(waitFor))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if codec.Binary() != (mt == websocket.BinaryMessage) {
		t.Errorf("message type %d does not match codec %s", mt, codec.Name())
	}
	msg, err := codec.Decode(data, set)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	typed, ok := msg.(T)
	if !ok {
		var zero T
		t.Fatalf("got %s, want %T", msg.MessageType(), zero)
	}
	return typed
}

func ptr[T any](v T) *T { return &v }

func TestDeviceAndObserverOverWebsocket(t *testing.T) {
	h := newHarness(t)
	issued := h.issue(t, "U1", "D1")

	observer := h.dial(t, "/ws/observer?encoding=cbor")
	write(t, observer, protocol.CBOR, &protocol.Subscribe{UnitIDs: []string{"U1"}})
	read[*protocol.Subscribed](t, observer, protocol.CBOR, protocol.ObserverOutbound)
	if st := read[*protocol.ConnectionState](t, observer, protocol.CBOR, protocol.ObserverOutbound); st.IsConnected {
		t.Error("U1 reported connected before any device")
	}

	device := h.dial(t, "/ws/device")
	write(t, device, protocol.JSON, &protocol.Auth{Secret: issued.Secret, DeviceID: "D1"})
	if ok := read[*protocol.AuthOK](t, device, protocol.JSON, protocol.DeviceOutbound); ok.UnitID != "U1" {
		t.Errorf("AUTH_OK unit = %q", ok.UnitID)
	}
	if st := read[*protocol.ConnectionState](t, observer, protocol.CBOR, protocol.ObserverOutbound); !st.IsConnected {
		t.Error("U1 not reported connected after AUTH")
	}

	write(t, device, protocol.JSON, &protocol.Sample{Lat: ptr(19.43), Lon: ptr(-99.13), Speed: ptr(30.0), Seq: ptr(int64(1))})
	ack := read[*protocol.SampleAck](t, device, protocol.JSON, protocol.DeviceOutbound)
	if ack.SampleID == 0 || ack.EventID == nil {
		t.Fatalf("SAMPLE_ACK = %+v, want sample and overspeed event ids", ack)
	}

	pos := read[*protocol.PositionUpdate](t, observer, protocol.CBOR, protocol.ObserverOutbound)
	if pos.SampleID != ack.SampleID || pos.Lat != 19.43 {
		t.Errorf("POSITION_UPDATE = %+v", pos)
	}
	alert := read[*protocol.EventAlert](t, observer, protocol.CBOR, protocol.ObserverOutbound)
	if alert.EventID != *ack.EventID || alert.Kind != string(model.EventKindOverspeed) {
		t.Errorf("EVENT_ALERT = %+v", alert)
	}

	events := decodeJSON[[]model.AnomalyEvent](t, h.do(t, http.MethodGet, "/api/v1/units/U1/events", nil))
	if len(events) != 1 || events[0].ID != *ack.EventID {
		t.Errorf("events = %+v", events)
	}
	samples := decodeJSON[[]sampleResponse](t, h.do(t, http.MethodGet, "/api/v1/units/U1/samples?limit=5", nil))
	if len(samples) != 1 || samples[0].Seq == nil || *samples[0].Seq != 1 {
		t.Errorf("samples = %+v", samples)
	}
	snap := decodeJSON[registry.Snapshot](t, h.do(t, http.MethodGet, "/api/v1/sessions", nil))
	if len(snap.Devices) != 1 || snap.Devices[0].DeviceID != "D1" || snap.Observers != 1 {
		t.Errorf("sessions = %+v", snap)
	}

	_ = device.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if st := read[*protocol.ConnectionState](t, observer, protocol.CBOR, protocol.ObserverOutbound); st.IsConnected {
		t.Error("U1 still reported connected after the device left")
	}
}

func TestDeviceAuthFailureOverWebsocket(t *testing.T) {
	h := newHarness(t)

	device := h.dial(t, "/ws/device")
	write(t, device, protocol.JSON, &protocol.Auth{Secret: strings.Repeat("a", 64), DeviceID: "D1"})
	if failed := read[*protocol.AuthFailed](t, device, protocol.JSON, protocol.DeviceOutbound); failed.Reason == "" {
		t.Error("AUTH_FAILED without a reason")
	}

	_ = device.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := device.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after AUTH_FAILED = %v, want normal close", err)
	}
}

func TestCredentialAPI(t *testing.T) {
	h := newHarness(t)
	issued := h.issue(t, "U1", "D1")
	if len(issued.Secret) != 64 || issued.ExpiresAt == nil {
		t.Errorf("issued = %+v", issued)
	}
	h.issue(t, "U1", "D1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown unit", http.MethodPost, "/api/v1/credentials", issueRequest{UnitID: "NOPE", DeviceID: "D1"}, http.StatusBadRequest},
		{"missing device", http.MethodPost, "/api/v1/credentials", issueRequest{UnitID: "U1"}, http.StatusBadRequest},
		{"ttl too short", http.MethodPost, "/api/v1/credentials", issueRequest{UnitID: "U1", DeviceID: "D1", TTLSeconds: ptr(int64(60))}, http.StatusBadRequest},
		{"ttl too long", http.MethodPost, "/api/v1/credentials", issueRequest{UnitID: "U1", DeviceID: "D1", TTLSeconds: ptr(int64(400 * 86400))}, http.StatusBadRequest},
		{"ttl overflows duration", http.MethodPost, "/api/v1/credentials", issueRequest{UnitID: "U1", DeviceID: "D1", TTLSeconds: ptr(int64(math.MaxInt64))}, http.StatusBadRequest},
		{"ttl wraps to valid duration", http.MethodPost, "/api/v1/credentials", issueRequest{UnitID: "U1", DeviceID: "D1", TTLSeconds: ptr(int64(math.MaxInt64/int64(time.Second)) + 86400)}, http.StatusBadRequest},
		{"ttl negative", http.MethodPost, "/api/v1/credentials", issueRequest{UnitID: "U1", DeviceID: "D1", TTLSeconds: ptr(int64(math.MinInt64))}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/credentials", map[string]any{"unitId": "U1", "deviceId": "D1", "owner": "x"}, http.StatusBadRequest},
		{"revoke", http.MethodPost, "/api/v1/credentials/revoke", revokeRequest{Secret: issued.Secret}, http.StatusNoContent},
		{"revoke again", http.MethodPost, "/api/v1/credentials/revoke", revokeRequest{Secret: issued.Secret}, http.StatusNotFound},
		{"revoke empty", http.MethodPost, "/api/v1/credentials/revoke", revokeRequest{}, http.StatusBadRequest},
		{"revoke device", http.MethodDelete, "/api/v1/units/U1/devices/D1/credentials", nil, http.StatusOK},
		{"wrong method", http.MethodGet, "/api/v1/credentials", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := h.do(t, tt.method, tt.path, tt.body); resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}

	// Only the second credential was still live when the device was revoked.
	resp := h.do(t, http.MethodDelete, "/api/v1/units/U1/devices/D1/credentials", nil)
	if got := decodeJSON[revokeDeviceResponse](t, resp); got.Count != 0 || got.UnitID != "U1" {
		t.Errorf("second device revoke = %+v", got)
	}
}

func TestReadAPI(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"empty events", "/api/v1/units/U1/events", http.StatusOK},
		{"bad limit", "/api/v1/units/U1/events?limit=0", http.StatusBadRequest},
		{"limit too large", "/api/v1/units/U1/samples?limit=5000", http.StatusBadRequest},
		{"bad event id", "/api/v1/events/abc", http.StatusBadRequest},
		{"missing event", "/api/v1/events/999", http.StatusNotFound},
		{"unknown encoding", "/ws/device?encoding=xml", http.StatusBadRequest},
		{"healthz", "/healthz", http.StatusOK},
		{"readyz", "/readyz", http.StatusOK},
		{"metrics", "/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := h.do(t, http.MethodGet, tt.path, nil); resp.StatusCode != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

type downStore struct {
	*memory.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyzReportsStoreOutage(t *testing.T) {
	s := NewServer(options.NewHttpOptions(), Deps{Store: downStore{memory.New()}, Registry: registry.New()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
}

func TestAllowedOrigins(t *testing.T) {
	h := newHarness(t, func(o *options.HttpOptions) {
		o.AllowedOrigins = []string{"http://dashboard.local"}
	})

	req, _ := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/credentials", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://dashboard.local" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/observer"
	_, resp, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("upgrade from a foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign origin response = %v, want 403", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://dashboard.local"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	ws.Close()
}
