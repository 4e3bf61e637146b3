// Package client is the client side of a goim connection: it logs in over a
// transport, tags outbound requests with sequence numbers, and correlates
// inbound responses back to the requests waiting on them.
package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/chronologos/goim/internal/future"
	"github.com/chronologos/goim/internal/metrics"
	"github.com/chronologos/goim/internal/pending"
	"github.com/chronologos/goim/internal/protocol"
	"github.com/chronologos/goim/internal/sequence"
	"github.com/chronologos/goim/internal/transport"
)

// Config holds client configuration.
type Config struct {
	URL            string        // base URL, e.g. ws://localhost:8000
	User           string        // sent as the user query parameter
	LoginTimeout   time.Duration // 0 means DefaultLoginTimeout
	RequestTimeout time.Duration // 0 waits until a response or the connection closes
}

// Response is the result of Request.
type Response struct {
	Success bool
	Message *protocol.Message
	Err     error
}

// Client multiplexes requests and notifications over one connection.
type Client struct {
	cfg      Config
	target   string
	id       string
	log      logrus.FieldLogger
	dialer   transport.Dialer
	seq      *sequence.Generator
	pending  *pending.Table
	metrics  *metrics.Client
	onNotify func(*protocol.Message)

	mu     sync.Mutex
	state  State
	conn   transport.Conn // nil unless CONNECTED or CLOSING
	closed chan struct{}  // closed when the current connection goes away
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the scheme-selecting default dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithSequence shares a sequence generator between clients.
func WithSequence(g *sequence.Generator) Option {
	return func(c *Client) { c.seq = g }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// WithNotificationHandler receives every notification. It runs on the read
// loop, so it should not block.
func WithNotificationHandler(f func(*protocol.Message)) Option {
	return func(c *Client) { c.onNotify = f }
}

func WithMetrics(m *metrics.Client) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client in state INIT. It does not connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if cfg.User == "" {
		return nil, errors.New("client: user is required")
	}
	if cfg.LoginTimeout < 0 || cfg.RequestTimeout < 0 {
		return nil, errors.New("client: timeouts must not be negative")
	}
	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	target, err := Target(cfg.URL, cfg.User)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		target:  target,
		id:      uuid.NewString(),
		log:     logrus.StandardLogger(),
		pending: pending.New(),
		state:   StateInit,
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = transport.NewDialer()
	}
	if c.seq == nil {
		c.seq = sequence.New()
	}
	if c.metrics == nil {
		c.metrics = metrics.NewClient(nil)
	}
	if c.onNotify == nil {
		c.onNotify = c.logNotification
	}
	c.log = c.log.WithFields(logrus.Fields{"client": c.id, "user": cfg.User})
	c.pending.OnChange(func(n int) { c.metrics.Pending.Set(float64(n)) })
	return c, nil
}

// Target returns base with the user query parameter set, keeping any other
// query parameters.
func Target(base, user string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parse url %q", base)
	}
	q := u.Query()
	q.Set("user", user)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Closed returns a channel that is closed when the current connection goes
// away. After a new login it refers to the new connection.
func (c *Client) Closed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NewMessage returns a request carrying text with a fresh sequence number.
func (c *Client) NewMessage(text string) *protocol.Message {
	return &protocol.Message{
		Sequence: c.seq.Next(),
		Type:     protocol.TypeRequest,
		Message:  text,
	}
}

// Logout asks the transport to close and moves to CLOSING. The move to CLOSED
// happens when the close is observed. Outside CONNECTED it does nothing.
func (c *Client) Logout() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	_ = c.transitionLocked(StateClosing)
	conn := c.conn
	c.mu.Unlock()

	c.log.Info("logging out")
	if err := conn.Close(); err != nil && !transport.IsClosed(err) {
		c.log.WithError(err).Debug("close transport")
	}
}

// Send writes raw as one payload. It reports false when not connected or
// when the write fails.
func (c *Client) Send(raw []byte) bool {
	c.mu.Lock()
	conn := c.conn
	ok := c.state == StateConnected
	c.mu.Unlock()
	if !ok {
		return false
	}
	if err := conn.Send(raw); err != nil {
		c.log.WithError(err).Warn("send failed")
		return false
	}
	return true
}

// Request sends msg and waits for the response with the same sequence.
//
// A zero sequence is replaced with a fresh one and a zero type becomes
// TypeRequest; msg is updated in place. Request returns when the response
// arrives, the connection closes, ctx is done, or Config.RequestTimeout
// elapses. The last two only stop the wait: the pending entry is withdrawn
// and a late response is dropped as unsolicited.
func (c *Client) Request(ctx context.Context, msg *protocol.Message) Response {
	if msg == nil {
		return c.finish(Response{Err: ErrNilMessage}, metrics.ResultFailed)
	}
	if msg.Sequence == 0 {
		msg.Sequence = c.seq.Next()
	}
	if msg.Type == 0 {
		msg.Type = protocol.TypeRequest
	}
	log := c.log.WithField("seq", msg.Sequence)

	data, err := protocol.Encode(msg)
	if err != nil {
		return c.finish(Response{Err: errors.Wrap(err, "encode")}, metrics.ResultFailed)
	}

	cell := future.New[Response]()
	cont := func(resp *protocol.Message, err error) {
		if err != nil {
			cell.Resolve(Response{Err: err})
			return
		}
		cell.Resolve(Response{Success: true, Message: resp})
	}

	// Registering under c.mu orders it against the close handler: either the
	// entry is in the table before the drain, or the state check fails.
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return c.finish(Response{Err: ErrNotConnected}, metrics.ResultFailed)
	}
	conn := c.conn
	entry, err := c.pending.Register(msg.Sequence, cont)
	c.mu.Unlock()
	if err != nil {
		return c.finish(Response{Err: err}, metrics.ResultFailed)
	}

	if err := conn.Send(data); err != nil {
		if c.pending.Cancel(entry) {
			log.WithError(err).Warn("send failed")
			return c.finish(Response{Err: errors.Wrap(err, "send")}, metrics.ResultFailed)
		}
		// The close drain got there first.
		return c.settle(cell.Value())
	}
	log.Debug("request sent")

	var timeout <-chan time.Time
	if c.cfg.RequestTimeout > 0 {
		t := time.NewTimer(c.cfg.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-cell.Done():
		return c.settle(cell.Value())
	case <-ctx.Done():
		if c.pending.Cancel(entry) {
			log.Debug("request wait cancelled")
			return c.finish(Response{Err: ctx.Err()}, metrics.ResultCancelled)
		}
		return c.settle(cell.Value())
	case <-timeout:
		if c.pending.Cancel(entry) {
			log.Debug("request timed out")
			return c.finish(Response{Err: errors.Wrapf(ErrRequestTimeout, "after %s", c.cfg.RequestTimeout)}, metrics.ResultTimeout)
		}
		return c.settle(cell.Value())
	}
}

// settle records a response delivered through the pending table.
func (c *Client) settle(r Response) Response {
	switch {
	case r.Success:
		return c.finish(r, metrics.ResultOK)
	case errors.Is(r.Err, ErrConnectionClosed):
		return c.finish(r, metrics.ResultClosed)
	default:
		return c.finish(r, metrics.ResultFailed)
	}
}

func (c *Client) finish(r Response, result string) Response {
	c.metrics.Requests.WithLabelValues(result).Inc()
	return r
}
