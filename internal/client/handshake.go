package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/chronologos/goim/internal/future"
	"github.com/chronologos/goim/internal/transport"
)

// DefaultLoginTimeout bounds Login when Config.LoginTimeout is zero.
const DefaultLoginTimeout = 5 * time.Second

// Outcome is the result of a login attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeLoginFailed
	OutcomeAlreadyLoggedIn
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeLoginFailed:
		return "login_failed"
	case OutcomeAlreadyLoggedIn:
		return "already_logged_in"
	default:
		return "unknown"
	}
}

// loginResult is what the handshake race settles on.
type loginResult struct {
	conn    transport.Conn
	outcome Outcome
	err     error
}

// Login opens the connection. Login is the transport opening; there is no
// application-level acknowledgement. It never retries and reports failure
// through the outcome and error rather than panicking.
//
// In CONNECTED it returns OutcomeAlreadyLoggedIn without dialing. While
// another login is in flight, or while a logout is closing the connection, it
// returns OutcomeLoginFailed and changes nothing.
func (c *Client) Login(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		c.metrics.Logins.WithLabelValues(OutcomeAlreadyLoggedIn.String()).Inc()
		return OutcomeAlreadyLoggedIn, nil
	case StateConnecting:
		c.mu.Unlock()
		return OutcomeLoginFailed, ErrLoginInProgress
	case StateClosing:
		c.mu.Unlock()
		return OutcomeLoginFailed, ErrClosing
	}
	if err := c.transitionLocked(StateConnecting); err != nil {
		c.mu.Unlock()
		return OutcomeLoginFailed, err
	}
	c.mu.Unlock()

	start := time.Now()
	res := c.handshake(ctx)
	c.metrics.Logins.WithLabelValues(res.outcome.String()).Inc()
	log := c.log.WithFields(logrus.Fields{"outcome": res.outcome, "elapsed": time.Since(start)})

	c.mu.Lock()
	if res.outcome != OutcomeSuccess {
		_ = c.transitionLocked(StateInit)
		c.mu.Unlock()
		log.WithError(res.err).Warn("login failed")
		return res.outcome, res.err
	}

	c.conn = res.conn
	select {
	case <-c.closed:
		c.closed = make(chan struct{})
	default:
	}
	_ = c.transitionLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(res.conn)
	log.Info("logged in")
	return OutcomeSuccess, nil
}

// handshake races the dial against the login timer and ctx. The first to
// resolve the cell wins; a connection that opens after losing is closed.
func (c *Client) handshake(ctx context.Context) loginResult {
	cell := future.New[loginResult]()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.AfterFunc(c.cfg.LoginTimeout, func() {
		cell.Resolve(loginResult{
			outcome: OutcomeTimeout,
			err:     errors.Wrapf(ErrLoginTimeout, "after %s", c.cfg.LoginTimeout),
		})
	})
	defer timer.Stop()

	go func() {
		conn, err := c.dialer.Dial(dialCtx, c.target)
		if err != nil {
			cell.Resolve(loginResult{outcome: OutcomeLoginFailed, err: errors.Wrap(err, "open transport")})
			return
		}
		if !cell.Resolve(loginResult{conn: conn, outcome: OutcomeSuccess}) {
			c.log.Debug("connection opened after login settled, closing")
			conn.Close()
		}
	}()

	if _, err := cell.Wait(ctx); err != nil {
		cell.Resolve(loginResult{outcome: OutcomeLoginFailed, err: err})
	}
	return cell.Value()
}
