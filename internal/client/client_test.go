package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/goim/internal/metrics"
	"github.com/chronologos/goim/internal/protocol"
	"github.com/chronologos/goim/internal/sequence"
)

func TestNewValidates(t *testing.T) {
	_, err := New(Config{User: "u"})
	assert.Error(t, err)
	_, err = New(Config{URL: "ws://x"})
	assert.Error(t, err)
	_, err = New(Config{URL: "ws://x", User: "u", RequestTimeout: -1})
	assert.Error(t, err)
}

func TestTarget(t *testing.T) {
	got, err := Target("ws://localhost:8000", "alice")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000?user=alice", got)

	got, err = Target("quic://127.0.0.1:9000/?user=old&x=1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "quic://127.0.0.1:9000/?user=bob&x=1", got)
}

func TestNewMessageAllocatesSequence(t *testing.T) {
	c := newTestClient(t, testConfig())
	a, b := c.NewMessage("a"), c.NewMessage("b")
	assert.EqualValues(t, 1, a.Sequence)
	assert.EqualValues(t, 2, b.Sequence)
	assert.Equal(t, protocol.TypeRequest, a.Type)
	assert.Equal(t, "a", a.Message)
}

func TestSharedSequence(t *testing.T) {
	g := sequence.New()
	a := newTestClient(t, testConfig(), WithSequence(g))
	b := newTestClient(t, testConfig(), WithSequence(g))
	assert.EqualValues(t, 1, a.NewMessage("").Sequence)
	assert.EqualValues(t, 2, b.NewMessage("").Sequence)
}

func TestRequestResolvedByResponse(t *testing.T) {
	c, conn := loggedIn(t, WithSequence(sequence.NewAt(6)))

	msg := c.NewMessage("hello")
	require.EqualValues(t, 7, msg.Sequence)
	ch := requestAsync(context.Background(), c, msg)

	sent := conn.nextSent(t)
	assert.EqualValues(t, 7, sent.Sequence)
	assert.Equal(t, protocol.TypeRequest, sent.Type)
	assert.Equal(t, "hello", sent.Message)
	assert.True(t, c.pending.Has(7))
	assert.Equal(t, 1, c.pending.Len())

	conn.push(t, `{"sequence":7,"type":2,"message":"world"}`)
	resp := awaitResponse(t, ch)
	require.True(t, resp.Success)
	require.NoError(t, resp.Err)
	assert.Equal(t, "world", resp.Message.Message)
	assert.False(t, c.pending.Has(7))
	assert.Equal(t, 0, c.pending.Len())
}

func TestRequestFillsSequenceAndType(t *testing.T) {
	c, conn := loggedIn(t)
	msg := &protocol.Message{Message: "raw"}
	ch := requestAsync(context.Background(), c, msg)

	sent := conn.nextSent(t)
	assert.NotZero(t, sent.Sequence)
	assert.Equal(t, protocol.TypeRequest, sent.Type)
	conn.respond(t, sent.Sequence, "ok")
	assert.True(t, awaitResponse(t, ch).Success)
}

func TestResponsesCorrelateOutOfOrder(t *testing.T) {
	c, conn := loggedIn(t)
	first := requestAsync(context.Background(), c, c.NewMessage("one"))
	s1 := conn.nextSent(t)
	second := requestAsync(context.Background(), c, c.NewMessage("two"))
	s2 := conn.nextSent(t)

	conn.respond(t, s2.Sequence, "re: two")
	conn.respond(t, s1.Sequence, "re: one")

	assert.Equal(t, "re: one", awaitResponse(t, first).Message.Message)
	assert.Equal(t, "re: two", awaitResponse(t, second).Message.Message)
}

func TestUnsolicitedResponseHasNoEffect(t *testing.T) {
	m := metrics.NewClient(nil)
	c, conn := loggedIn(t, WithMetrics(m))
	ch := requestAsync(context.Background(), c, c.NewMessage("hi"))
	sent := conn.nextSent(t)

	conn.respond(t, sent.Sequence+100, "stray")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropUnsolicited)) == 1
	}, time.Second, 5*time.Millisecond)

	select {
	case <-ch:
		t.Fatal("unrelated request resolved by stray response")
	default:
	}
	assert.True(t, c.pending.Has(sent.Sequence))
	assert.Equal(t, StateConnected, c.State())

	conn.respond(t, sent.Sequence, "mine")
	assert.Equal(t, "mine", awaitResponse(t, ch).Message.Message)
}

func TestMalformedPayloadDoesNotStopDispatch(t *testing.T) {
	m := metrics.NewClient(nil)
	c, conn := loggedIn(t, WithMetrics(m))
	ch := requestAsync(context.Background(), c, c.NewMessage("hi"))
	sent := conn.nextSent(t)

	conn.push(t, `not json at all`)
	conn.push(t, `{"sequence":99999,"type":2}`)
	conn.push(t, `{"sequence":1,"type":7}`)
	conn.respond(t, sent.Sequence, "still works")

	resp := awaitResponse(t, ch)
	assert.True(t, resp.Success)
	assert.Equal(t, "still works", resp.Message.Message)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropUnexpected)))
	assert.Equal(t, StateConnected, c.State())
}

func TestCloseDrainsAllPending(t *testing.T) {
	const n = 5
	m := metrics.NewClient(nil)
	c, conn := loggedIn(t, WithMetrics(m))

	chans := make([]<-chan Response, 0, n)
	for i := 0; i < n; i++ {
		chans = append(chans, requestAsync(context.Background(), c, c.NewMessage("x")))
		conn.nextSent(t)
	}
	require.Equal(t, n, c.pending.Len())
	closed := c.Closed()

	conn.drop()
	for _, ch := range chans {
		resp := awaitResponse(t, ch)
		assert.False(t, resp.Success)
		assert.True(t, errors.Is(resp.Err, ErrConnectionClosed))
	}
	assert.Equal(t, 0, c.pending.Len())
	assert.Equal(t, StateClosed, c.State())
	<-closed
	assert.True(t, conn.isClosed(), "close handler releases the transport")
	assert.Equal(t, float64(n), testutil.ToFloat64(m.Requests.WithLabelValues(metrics.ResultClosed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending))
}

func TestSendFailureRollsBackEntry(t *testing.T) {
	c, conn := loggedIn(t)
	conn.failSends(errors.New("broken pipe"))

	msg := c.NewMessage("x")
	resp := c.Request(context.Background(), msg)
	assert.False(t, resp.Success)
	assert.Error(t, resp.Err)
	assert.False(t, c.pending.Has(msg.Sequence))
	assert.Equal(t, 0, c.pending.Len())

	assert.False(t, c.Send([]byte("raw")))
}

func TestRequestRejectsInUseSequence(t *testing.T) {
	c, conn := loggedIn(t)
	msg := c.NewMessage("x")
	ch := requestAsync(context.Background(), c, msg)
	conn.nextSent(t)

	dup := &protocol.Message{Sequence: msg.Sequence, Message: "dup"}
	resp := c.Request(context.Background(), dup)
	assert.False(t, resp.Success)
	assert.Error(t, resp.Err)

	conn.respond(t, msg.Sequence, "ok")
	assert.True(t, awaitResponse(t, ch).Success)
}

func TestRequestNotConnected(t *testing.T) {
	c := newTestClient(t, testConfig())
	resp := c.Request(context.Background(), c.NewMessage("x"))
	assert.False(t, resp.Success)
	assert.True(t, errors.Is(resp.Err, ErrNotConnected))
	assert.False(t, c.Send([]byte("x")))

	resp = c.Request(context.Background(), nil)
	assert.True(t, errors.Is(resp.Err, ErrNilMessage))
}

func TestRequestContextCancelWithdrawsEntry(t *testing.T) {
	m := metrics.NewClient(nil)
	c, conn := loggedIn(t, WithMetrics(m))
	ctx, cancel := context.WithCancel(context.Background())

	msg := c.NewMessage("x")
	ch := requestAsync(ctx, c, msg)
	conn.nextSent(t)
	cancel()

	resp := awaitResponse(t, ch)
	assert.False(t, resp.Success)
	assert.True(t, errors.Is(resp.Err, context.Canceled))
	assert.False(t, c.pending.Has(msg.Sequence))
	assert.Equal(t, StateConnected, c.State(), "cancelling a wait leaves the connection up")

	conn.respond(t, msg.Sequence, "late")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropUnsolicited)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRequestTimeoutOptIn(t *testing.T) {
	conn := newFakeConn()
	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	c := newTestClient(t, cfg, WithDialer(&fakeDialer{conns: []*fakeConn{conn}}))
	_, err := c.Login(context.Background())
	require.NoError(t, err)
	defer conn.drop()

	msg := c.NewMessage("x")
	resp := c.Request(context.Background(), msg)
	assert.False(t, resp.Success)
	assert.True(t, errors.Is(resp.Err, ErrRequestTimeout))
	assert.False(t, c.pending.Has(msg.Sequence))
}

func TestSend(t *testing.T) {
	c, conn := loggedIn(t)
	assert.True(t, c.Send([]byte(`{"sequence":0,"type":1,"message":"fire"}`)))
	assert.Equal(t, "fire", conn.nextSent(t).Message)
}

func TestNotifications(t *testing.T) {
	var mu sync.Mutex
	var got []string
	handler := func(m *protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.From+":"+m.Message)
	}
	c, conn := loggedIn(t, WithNotificationHandler(handler))

	conn.push(t, `{"sequence":0,"type":3,"message":"one","from":"bob"}`)
	conn.push(t, `{"type":3,"message":"two","from":"carol"}`)
	conn.push(t, `{"type":3,"message":"three","from":"bob"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bob:one", "carol:two", "bob:three"}, got)
	assert.Equal(t, 0, c.pending.Len())
}

func TestHandlerPanicIsContained(t *testing.T) {
	var calls int
	var mu sync.Mutex
	handler := func(m *protocol.Message) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("handler bug")
	}
	c, conn := loggedIn(t, WithNotificationHandler(handler))

	conn.push(t, `{"type":3,"message":"boom"}`)
	conn.push(t, `{"type":3,"message":"boom again"}`)

	ch := requestAsync(context.Background(), c, c.NewMessage("x"))
	sent := conn.nextSent(t)
	conn.respond(t, sent.Sequence, "alive")
	assert.True(t, awaitResponse(t, ch).Success)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
	assert.Equal(t, StateConnected, c.State())
}

func TestStaleConnectionEventsAreDiscarded(t *testing.T) {
	c, _ := loggedIn(t)
	stale := newFakeConn()

	called := false
	c.dispatch(stale, func(*handlerSet) { called = true })
	assert.False(t, called)

	// A close from a stale connection must not touch the current one.
	c.handleClose(stale, nil)
	assert.Equal(t, StateConnected, c.State())
}

func TestLogout(t *testing.T) {
	c := newTestClient(t, testConfig(), WithDialer(&fakeDialer{}))
	c.Logout() // before login: no-op
	assert.Equal(t, StateInit, c.State())

	conn := newFakeConn()
	conn.linger = true
	c = newTestClient(t, testConfig(), WithDialer(&fakeDialer{conns: []*fakeConn{conn}}))
	_, err := c.Login(context.Background())
	require.NoError(t, err)

	ch := requestAsync(context.Background(), c, c.NewMessage("x"))
	conn.nextSent(t)

	c.Logout()
	assert.Equal(t, StateClosing, c.State(), "logout alone never reaches CLOSED")
	assert.True(t, conn.isClosed())
	c.Logout()
	assert.Equal(t, StateClosing, c.State())

	// Requests fail while closing.
	assert.False(t, c.Request(context.Background(), c.NewMessage("y")).Success)
	assert.False(t, c.Send([]byte("y")))

	conn.drop()
	resp := awaitResponse(t, ch)
	assert.True(t, errors.Is(resp.Err, ErrConnectionClosed))
	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)

	c.Logout()
	assert.Equal(t, StateClosed, c.State())
}

func TestConcurrentRequests(t *testing.T) {
	c, conn := loggedIn(t)

	// Echo peer.
	go func() {
		for {
			select {
			case p := <-conn.sent:
				msg, err := protocol.Decode(p)
				if err != nil {
					return
				}
				msg.Type = protocol.TypeResponse
				data, _ := protocol.Encode(msg)
				conn.in <- data
			case <-conn.gone:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := c.NewMessage("ping")
			resp := c.Request(context.Background(), msg)
			assert.True(t, resp.Success)
			if resp.Message != nil {
				assert.Equal(t, msg.Sequence, resp.Message.Sequence)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.pending.Len())
}
