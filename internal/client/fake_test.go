package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	goimlog "github.com/chronologos/goim/internal/log"
	"github.com/chronologos/goim/internal/protocol"
	"github.com/chronologos/goim/internal/transport"
)

// fakeConn is an in-memory transport.Conn. The test plays the peer by pushing
// into in and reading from sent.
type fakeConn struct {
	in   chan []byte
	sent chan []byte

	closed    chan struct{} // Close was called
	gone      chan struct{} // Receive fails from now on
	closeOnce sync.Once
	goneOnce  sync.Once

	// linger keeps Receive working after Close until drop is called.
	linger bool
	// hold, when set, blocks Close until it is closed.
	hold chan struct{}

	mu      sync.Mutex
	sendErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (f *fakeConn) Send(p []byte) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	f.sent <- append([]byte(nil), p...)
	return nil
}

func (f *fakeConn) Receive() ([]byte, error) {
	select {
	case p := <-f.in:
		return p, nil
	case <-f.gone:
		return nil, transport.ErrClosed
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	if f.hold != nil {
		<-f.hold
	}
	if !f.linger {
		f.drop()
	}
	return nil
}

// drop makes the connection go away as if the peer hung up.
func (f *fakeConn) drop() {
	f.goneOnce.Do(func() { close(f.gone) })
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) push(t *testing.T, raw string) {
	t.Helper()
	select {
	case f.in <- []byte(raw):
	case <-time.After(time.Second):
		t.Fatal("peer push blocked")
	}
}

func (f *fakeConn) respond(t *testing.T, seq uint16, text string) {
	t.Helper()
	data, err := protocol.Encode(&protocol.Message{Sequence: seq, Type: protocol.TypeResponse, Message: text})
	require.NoError(t, err)
	f.push(t, string(data))
}

// nextSent returns the next payload the client wrote.
func (f *fakeConn) nextSent(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case p := <-f.sent:
		msg, err := protocol.Decode(p)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client send")
		return nil
	}
}

// fakeDialer hands out conns in order and records every dial.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	targets []string
	dials   atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, target string) (transport.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if len(d.conns) == 0 {
		c := newFakeConn()
		d.conns = append(d.conns, c)
		return c, nil
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func testConfig() Config {
	return Config{URL: "ws://x", User: "alice", LoginTimeout: time.Second}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(goimlog.Discard())}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

// loggedIn returns a CONNECTED client and the conn it is using.
func loggedIn(t *testing.T, opts ...Option) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := newTestClient(t, testConfig(), append([]Option{WithDialer(d)}, opts...)...)

	out, err := c.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out)
	require.Equal(t, StateConnected, c.State())
	t.Cleanup(conn.drop)
	return c, conn
}

// requestAsync runs Request on its own goroutine.
func requestAsync(ctx context.Context, c *Client, msg *protocol.Message) <-chan Response {
	ch := make(chan Response, 1)
	go func() { ch <- c.Request(ctx, msg) }()
	return ch
}

func awaitResponse(t *testing.T, ch <-chan Response) Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
		return Response{}
	}
}
