package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/chronologos/goim/internal/protocol"
)

// QUICListener accepts QUIC clients on the server side.
type QUICListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	udp  *net.UDPConn
	port int
}

// ListenQUIC listens on the given UDP port (0 picks a free one) with a fresh
// self-signed certificate.
func ListenQUIC(port int) (*QUICListener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, errors.Wrap(err, "generate TLS cert")
	}
	return ListenQUICWithCert(port, cert)
}

// ListenQUICWithCert listens using the provided TLS certificate.
func ListenQUICWithCert(port int, cert tls.Certificate) (*QUICListener, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "listen UDP")
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, errors.Wrap(err, "QUIC listen")
	}

	return &QUICListener{
		tr:   tr,
		ln:   ln,
		udp:  udpConn,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *QUICListener) Port() int {
	return l.port
}

// Accept waits for the next QUIC connection. The stream and hello frame are
// read by Incoming.Open, so the accept loop never waits on one peer.
func (l *QUICListener) Accept(ctx context.Context) (*Incoming, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "accept QUIC connection")
	}
	return &Incoming{qconn: qconn}, nil
}

// Incoming is an accepted QUIC connection whose client has not yet announced
// itself.
type Incoming struct {
	qconn *quic.Conn
}

// RemoteAddr returns the peer's address.
func (in *Incoming) RemoteAddr() net.Addr {
	return in.qconn.RemoteAddr()
}

// Open accepts the client's stream and reads its hello frame, giving up when
// ctx is done. It returns the connection and the user it announced. On error
// the QUIC connection is closed.
func (in *Incoming) Open(ctx context.Context) (Conn, string, error) {
	stream, err := in.qconn.AcceptStream(ctx)
	if err != nil {
		in.qconn.CloseWithError(1, "no stream")
		return nil, "", errors.Wrap(err, "accept stream")
	}

	stop := context.AfterFunc(ctx, func() { stream.SetReadDeadline(time.Now()) })
	typ, payload, err := protocol.ReadFrame(stream)
	if !stop() {
		in.qconn.CloseWithError(1, "no hello")
		return nil, "", errors.Wrap(ctx.Err(), "read hello")
	}
	if err != nil {
		in.qconn.CloseWithError(1, "no hello")
		return nil, "", errors.Wrap(err, "read hello")
	}
	if typ != protocol.FrameHello {
		in.qconn.CloseWithError(1, "no hello")
		return nil, "", errors.Errorf("expected hello frame, got %s", typ)
	}

	return &quicConn{qconn: in.qconn, stream: stream}, string(payload), nil
}

// Close rejects the connection.
func (in *Incoming) Close() error {
	return in.qconn.CloseWithError(1, "rejected")
}

// Close shuts down the listener and underlying transport.
func (l *QUICListener) Close() error {
	l.ln.Close()
	err := l.tr.Close()
	l.udp.Close()
	return err
}
