package server

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"

	"github.com/chronologos/goim/internal/transport"
)

const closeWait = time.Second

// wsConn adapts an upgraded gobwas connection to transport.Conn.
type wsConn struct {
	conn      net.Conn
	writeWait time.Duration
	readWait  time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn net.Conn, writeWait, readWait time.Duration) *wsConn {
	return &wsConn{conn: conn, writeWait: writeWait, readWait: readWait}
}

func (c *wsConn) Send(text []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return err
		}
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, text)
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		if c.readWait > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readWait)); err != nil {
				return nil, err
			}
		}
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil, errors.Wrapf(transport.ErrClosed, "peer sent close %d", closed.Code)
			}
			return nil, err
		}
		if op == ws.OpText || op == ws.OpBinary {
			return msg, nil
		}
	}
}

// Close sends a normal-closure frame and closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		// Bounds any Send currently blocked in a write.
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWait))
		c.writeMu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
