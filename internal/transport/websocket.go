package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const closeWriteWait = time.Second

// WSDialer dials ws:// and wss:// targets.
type WSDialer struct {
	// HandshakeTimeout bounds the upgrade. Zero leaves it to the context.
	HandshakeTimeout time.Duration
}

// Dial connects to target and completes the WebSocket upgrade.
func (d *WSDialer) Dial(ctx context.Context, target string) (Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket dial: status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "websocket dial")
	}
	return newWSConn(ws), nil
}

// wsConn carries one text frame per payload.
type wsConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(text []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, text)
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a normal-closure frame, then drops the socket. WriteControl may
// run concurrently with a blocked Send, so writeMu is not taken here.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
