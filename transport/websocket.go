package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridwire/go-csms/pkg"
)

const (
	// writeWait bounds every write and control frame so a stuck peer cannot
	// wedge the writer.
	writeWait = 10 * time.Second

	defaultHandshakeTimeout = 30 * time.Second
)

// wsConn adapts a gorilla websocket connection to Conn. OCPP-J messages are
// text frames; binary frames are accepted and treated the same.
type wsConn struct {
	ws *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an already-established websocket connection.
func NewWebSocketConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws, done: make(chan struct{})}
}

// newKeepaliveConn additionally pings the peer on pingPeriod and gives up on
// the connection when no pong (or any other frame) arrives within pongWait.
// Gorilla answers pings for the peer automatically, so a healthy but silent
// charge point keeps its session alive.
func newKeepaliveConn(ws *websocket.Conn, pingPeriod, pongWait time.Duration) Conn {
	c := &wsConn{ws: ws, done: make(chan struct{})}
	if pongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	if pingPeriod > 0 {
		go c.pingLoop(pingPeriod)
	}
	return c
}

func (c *wsConn) pingLoop(period time.Duration) {
	defer pkg.Recover()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrConnClosed
		default:
		}
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		select {
		case <-c.done:
			return ErrConnClosed
		default:
		}
		return err
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		// Best-effort close frame so well-behaved peers see a clean
		// shutdown instead of a dropped TCP connection.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// DialWebSocket connects to a central system endpoint, negotiating an OCPP
// subprotocol. The returned Conn is ready for use.
func DialWebSocket(ctx context.Context, urlStr string, subprotocols ...string) (Conn, error) {
	if len(subprotocols) == 0 {
		subprotocols = []string{DefaultSubprotocol}
	}

	dialer := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", urlStr, err)
	}
	return NewWebSocketConn(ws), nil
}
