package http

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autopeer-io/fleettrack/internal/trackhub/session"
)

var _ session.Conn = (*wsConn)(nil)

// wsConn carries one protocol frame per websocket message.
type wsConn struct {
	ws           *websocket.Conn
	messageType  int
	writeTimeout time.Duration

	readTimeout atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

func newWSConn(ws *websocket.Conn, binary bool, writeTimeout time.Duration, readLimit int64) *wsConn {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &wsConn{ws: ws, messageType: messageType, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	var deadline time.Time
	if d := time.Duration(c.readTimeout.Load()); d > 0 {
		deadline = time.Now().Add(d)
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, c.mapError(err)
	}

	// ReadMessage answers pings itself and only returns text or binary messages.
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, c.mapError(err)
	}
	return data, nil
}

func (c *wsConn) WriteFrame(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return c.mapError(err)
	}
	if err := c.ws.WriteMessage(c.messageType, data); err != nil {
		return c.mapError(err)
	}
	return nil
}

func (c *wsConn) SetReadTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
}

// Close sends a normal close frame on a best-effort basis and drops the connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// mapError turns websocket close handshakes into io.EOF and errors after Close into net.ErrClosed.
// Read deadline errors pass through unchanged so callers can detect them with net.Error.
func (c *wsConn) mapError(err error) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return io.EOF
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return net.ErrClosed
	}
	return err
}
