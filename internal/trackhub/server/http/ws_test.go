package http

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type readResult struct {
	data []byte
	err  error
}

// wsPair returns the server side of a websocket as a wsConn and the client side as a raw connection.
func wsPair(t *testing.T, binary bool) (*wsConn, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *wsConn, 1)
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- newWSConn(ws, binary, time.Second, 1024)
		<-hold
	}))
	t.Cleanup(func() {
		close(hold)
		srv.Close()
	})

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-serverSide:
		t.Cleanup(func() { c.Close() })
		return c, client
	case <-time.After(waitFor):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func readAsync(c *wsConn) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		data, err := c.ReadFrame()
		ch <- readResult{data, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan readResult) readResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("ReadFrame did not return")
		return readResult{}
	}
}

func TestWSConnFramesAndNormalClose(t *testing.T) {
	conn, client := wsPair(t, false)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"PING"}`)); err != nil {
		t.Fatal(err)
	}
	if r := await(t, readAsync(conn)); r.err != nil || string(r.data) != `{"type":"PING"}` {
		t.Fatalf("ReadFrame() = %q, %v", r.data, r.err)
	}

	if err := conn.WriteFrame([]byte(`{"type":"PONG"}`)); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(waitFor))
	mt, data, err := client.ReadMessage()
	if err != nil || mt != websocket.TextMessage || string(data) != `{"type":"PONG"}` {
		t.Fatalf("client read = %d %q %v", mt, data, err)
	}

	_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	if r := await(t, readAsync(conn)); !errors.Is(r.err, io.EOF) {
		t.Errorf("ReadFrame() after peer close = %v, want io.EOF", r.err)
	}
}

func TestWSConnBinaryFrames(t *testing.T) {
	conn, client := wsPair(t, true)

	if err := conn.WriteFrame([]byte{0xa1, 0x01}); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(waitFor))
	if mt, _, err := client.ReadMessage(); err != nil || mt != websocket.BinaryMessage {
		t.Errorf("client read type = %d, %v; want binary", mt, err)
	}
}

func TestWSConnReadTimeout(t *testing.T) {
	conn, _ := wsPair(t, false)
	conn.SetReadTimeout(20 * time.Millisecond)

	r := await(t, readAsync(conn))
	var ne net.Error
	if !errors.As(r.err, &ne) || !ne.Timeout() {
		t.Errorf("ReadFrame() = %v, want a timeout", r.err)
	}
}

func TestWSConnClose(t *testing.T) {
	conn, client := wsPair(t, false)
	pending := readAsync(conn)

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	if r := await(t, pending); !errors.Is(r.err, net.ErrClosed) {
		t.Errorf("pending ReadFrame() = %v, want net.ErrClosed", r.err)
	}
	if err := conn.WriteFrame([]byte("late")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("WriteFrame() after Close = %v, want net.ErrClosed", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(waitFor))
	if _, _, err := client.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("client saw %v, want normal close", err)
	}
}

func TestWSConnReadLimit(t *testing.T) {
	conn, client := wsPair(t, false)

	if err := client.WriteMessage(websocket.TextMessage, make([]byte, 4096)); err != nil {
		t.Fatal(err)
	}
	if r := await(t, readAsync(conn)); r.err == nil {
		t.Error("oversized frame accepted")
	}
}
