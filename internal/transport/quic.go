package transport

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/chronologos/goim/internal/protocol"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// QUICDialer dials quic://host:port?user=U targets.
type QUICDialer struct{}

// Dial opens a QUIC connection and one bidirectional stream, then announces
// the user with a hello frame.
func (d *QUICDialer) Dial(ctx context.Context, target string) (Conn, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", target)
	}
	if u.Scheme != "quic" {
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
	user := u.Query().Get("user")

	addr, err := net.ResolveUDPAddr("udp4", u.Host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", u.Host)
	}

	// Use a fresh UDP socket for the client
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, errors.Wrap(err, "listen UDP")
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, ClientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		udpConn.Close()
		return nil, errors.Wrap(err, "QUIC dial")
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream")
		tr.Close()
		udpConn.Close()
		return nil, errors.Wrap(err, "open stream")
	}

	// QUIC doesn't announce a stream until its first write, so the hello goes
	// out immediately.
	if err := protocol.WriteFrame(stream, protocol.FrameHello, []byte(user)); err != nil {
		qconn.CloseWithError(1, "hello")
		tr.Close()
		udpConn.Close()
		return nil, errors.Wrap(err, "write hello")
	}

	return &quicConn{qconn: qconn, stream: stream, tr: tr, udp: udpConn}, nil
}

// quicConn carries framed text payloads over a single stream.
type quicConn struct {
	qconn  *quic.Conn
	stream *quic.Stream
	tr     *quic.Transport // client side only; keeps the UDP socket alive
	udp    *net.UDPConn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *quicConn) Send(text []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.stream, protocol.FrameText, text)
}

func (c *quicConn) Receive() ([]byte, error) {
	for {
		typ, payload, err := protocol.ReadFrame(c.stream)
		if err != nil {
			return nil, err
		}
		if typ == protocol.FrameText {
			return payload, nil
		}
	}
}

// Close closes the stream and the underlying QUIC connection.
func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		err = c.qconn.CloseWithError(0, "closed")
		if c.tr != nil {
			c.tr.Close()
		}
		if c.udp != nil {
			c.udp.Close()
		}
	})
	return err
}
