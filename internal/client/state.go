package client

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/chronologos/goim/internal/transport"
)

// State is the connection lifecycle state.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateReconnecting // reserved; nothing enters it
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var transitions = map[State][]State{
	StateInit:       {StateConnecting},
	StateClosed:     {StateConnecting},
	StateConnecting: {StateInit, StateConnected},
	StateConnected:  {StateClosing, StateClosed},
	StateClosing:    {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionLocked moves the client to state to. c.mu must be held.
func (c *Client) transitionLocked(to State) error {
	from := c.state
	if !canTransition(from, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	c.state = to
	c.log.WithFields(logrus.Fields{"from": from, "state": to}).Debug("state change")
	return nil
}

// handlerSet is the set of transport event handlers in effect for a state.
type handlerSet struct {
	name    string
	message func(c *Client, conn transport.Conn, payload []byte)
	err     func(c *Client, conn transport.Conn, err error)
	close   func(c *Client, conn transport.Conn, err error)
}

// liveHandlers serve an established connection.
var liveHandlers = &handlerSet{
	name:    "live",
	message: (*Client).handleMessage,
	err:     (*Client).handleError,
	close:   (*Client).handleClose,
}

// idleHandlers apply whenever no connection is established: events are
// logged and dropped.
var idleHandlers = &handlerSet{
	name: "idle",
	message: func(c *Client, _ transport.Conn, payload []byte) {
		c.log.WithField("bytes", len(payload)).Debug("message while not connected, dropped")
	},
	err: func(c *Client, _ transport.Conn, err error) {
		c.log.WithError(err).Debug("transport error while not connected")
	},
	close: func(c *Client, _ transport.Conn, err error) {
		c.log.WithError(err).Debug("close while not connected")
	},
}

func handlersFor(s State) *handlerSet {
	switch s {
	case StateConnected, StateClosing:
		return liveHandlers
	default:
		return idleHandlers
	}
}
