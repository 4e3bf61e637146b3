package transport

import (
	"context"
	"io"
	"net"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrClosed            = errors.New("connection closed")
)

// Conn is one open message channel to the peer. Every Send delivers exactly
// one payload and every Receive returns exactly one.
type Conn interface {
	// Send writes one payload. Safe for concurrent use.
	Send(text []byte) error
	// Receive blocks for the next payload. Any error means the connection is gone.
	Receive() ([]byte, error)
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens connections. Dial returns once the connection is open.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, target string) (Conn, error) {
	return f(ctx, target)
}

// NewDialer returns a Dialer that picks the transport from the target's scheme:
// ws and wss use WebSocket, quic uses QUIC.
func NewDialer() Dialer {
	return &schemeDialer{
		ws:   &WSDialer{},
		quic: &QUICDialer{},
	}
}

type schemeDialer struct {
	ws   *WSDialer
	quic *QUICDialer
}

func (d *schemeDialer) Dial(ctx context.Context, target string) (Conn, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", target)
	}
	switch u.Scheme {
	case "ws", "wss":
		return d.ws.Dial(ctx, target)
	case "quic":
		return d.quic.Dial(ctx, target)
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
}

// IsClosed reports whether err marks an orderly shutdown rather than a failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return true
	}
	return false
}
