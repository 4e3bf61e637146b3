package client

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/chronologos/goim/internal/metrics"
	"github.com/chronologos/goim/internal/protocol"
	"github.com/chronologos/goim/internal/transport"
)

// readLoop delivers conn's payloads, in transport order, until Receive fails.
// A failed Receive is reported as an error event followed by a close event.
func (c *Client) readLoop(conn transport.Conn) {
	for {
		payload, err := conn.Receive()
		if err != nil {
			c.dispatch(conn, func(h *handlerSet) { h.err(c, conn, err) })
			c.dispatch(conn, func(h *handlerSet) { h.close(c, conn, err) })
			return
		}
		c.dispatch(conn, func(h *handlerSet) { h.message(c, conn, payload) })
	}
}

// dispatch runs fn against the handler set for the current state. Events from
// a connection that is no longer current are discarded.
func (c *Client) dispatch(conn transport.Conn, fn func(*handlerSet)) {
	c.mu.Lock()
	current := c.conn == conn
	h := handlersFor(c.state)
	c.mu.Unlock()

	if !current {
		c.log.Debug("event from stale connection, discarded")
		return
	}
	c.guard(h.name, func() { fn(h) })
}

// guard turns a panic into a log line.
func (c *Client) guard(where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"handler": where,
				"panic":   fmt.Sprint(r),
			}).Error("recovered from panic in event handler")
			c.log.Debug(string(debug.Stack()))
		}
	}()
	fn()
}

func (c *Client) handleMessage(_ transport.Conn, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		c.metrics.Dropped.WithLabelValues(metrics.DropMalformed).Inc()
		c.log.WithError(err).WithField("bytes", len(payload)).Warn("malformed message")
		return
	}

	switch msg.Type {
	case protocol.TypeResponse:
		// Continuations are guarded one by one so a panic in one never
		// reaches the read loop.
		var found bool
		c.guard("response", func() { found = c.pending.Resolve(msg.Sequence, msg) })
		if !found {
			c.metrics.Dropped.WithLabelValues(metrics.DropUnsolicited).Inc()
			c.log.WithField("seq", msg.Sequence).Debug("unsolicited response dropped")
		}
	case protocol.TypeNotification:
		c.metrics.Notifications.Inc()
		c.guard("notification", func() { c.onNotify(msg) })
	default:
		c.metrics.Dropped.WithLabelValues(metrics.DropUnexpected).Inc()
		c.log.WithFields(logrus.Fields{"seq": msg.Sequence, "type": msg.Type}).Debug("unexpected message type dropped")
	}
}

func (c *Client) handleError(_ transport.Conn, err error) {
	if transport.IsClosed(err) {
		return
	}
	c.log.WithError(err).Warn("transport error")
}

// handleClose finalizes a connection: CLOSED, no current connection, every
// pending request failed, Closed() released.
//
// Pending entries are detached and the channel is closed under c.mu; a later
// login never shares either with this connection's teardown.
func (c *Client) handleClose(conn transport.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	from := c.state
	if terr := c.transitionLocked(StateClosed); terr != nil {
		c.mu.Unlock()
		c.log.WithError(terr).Error("close in unexpected state")
		return
	}
	c.conn = nil
	drained := c.pending.Detach()
	close(c.closed)
	c.mu.Unlock()

	conn.Close()
	n := drained.Fail(ErrConnectionClosed)

	log := c.log.WithFields(logrus.Fields{"drained": n, "from": from})
	if err != nil && !transport.IsClosed(err) {
		log = log.WithError(err)
	}
	log.Info("connection closed")
}

// logNotification is the default notification handler.
func (c *Client) logNotification(msg *protocol.Message) {
	c.log.WithFields(logrus.Fields{"from": msg.From, "message": msg.Message}).Info("notification")
}
