// Package server is a minimal goim peer: every request a user sends is
// broadcast to the other online users as a notification and acknowledged to
// the sender with a response carrying the same sequence.
package server

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/chronologos/goim/internal/metrics"
	"github.com/chronologos/goim/internal/protocol"
	"github.com/chronologos/goim/internal/transport"
)

// Config holds server configuration.
type Config struct {
	Addr      string // TCP address for WebSocket and /metrics
	QUIC      bool
	QUICPort  int           // 0 picks a free port
	WriteWait time.Duration // per-write deadline on WebSocket peers
	ReadWait  time.Duration // 0 disables the read deadline
	HelloWait time.Duration // bound on a QUIC client's hello; 0 means DefaultHelloWait
}

// DefaultHelloWait bounds the QUIC hello when Config.HelloWait is zero.
const DefaultHelloWait = 5 * time.Second

// Responder produces the response text for a request.
type Responder func(user string, req *protocol.Message) string

func ack(string, *protocol.Message) string { return "ok" }

// Server accepts clients over WebSocket and, optionally, QUIC.
type Server struct {
	cfg      Config
	log      logrus.FieldLogger
	registry *prometheus.Registry
	metrics  *metrics.Server
	respond  Responder

	// Ready is closed once the listeners are bound.
	Ready chan struct{}

	idMu    sync.Mutex
	entropy io.Reader

	mu       sync.Mutex
	sessions map[string]*session
	shutdown bool
	addr     string
	httpSrv  *http.Server
	quicLn   *transport.QUICListener

	once sync.Once
	wg   sync.WaitGroup
}

type session struct {
	id        string
	user      string
	transport string
	conn      transport.Conn
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// WithResponder replaces the default "ok" response text.
func WithResponder(r Responder) Option {
	return func(s *Server) { s.respond = r }
}

// WithRegistry registers the server's collectors on reg and serves reg at /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// New creates a server. It does not listen until Run.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		log:      logrus.StandardLogger(),
		respond:  ack,
		Ready:    make(chan struct{}),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.HelloWait <= 0 {
		s.cfg.HelloWait = DefaultHelloWait
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.NewServer(s.registry)
	s.log = s.log.WithField("module", "server")
	return s
}

// Run binds the listeners, closes Ready, and serves until ctx is done or the
// HTTP server fails. It returns after every session has ended.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(s.registry))
	mux.HandleFunc("/", s.serveWS)

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	if s.cfg.QUIC {
		qln, err := transport.ListenQUIC(s.cfg.QUICPort)
		if err != nil {
			ln.Close()
			return errors.Wrap(err, "listen QUIC")
		}
		s.mu.Lock()
		s.quicLn = qln
		s.mu.Unlock()
		s.wg.Add(1)
		go s.acceptQUIC(ctx, qln)
	}

	s.log.WithFields(logrus.Fields{"addr": s.Addr(), "quic_port": s.QUICPort()}).Info("started")
	close(s.Ready)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.Shutdown()
		<-errCh
		err = nil
	case err = <-errCh:
		s.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	s.wg.Wait()
	s.log.Info("stopped")
	return err
}

// Addr returns the bound TCP address. Valid after Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// QUICPort returns the bound UDP port, or 0 without QUIC.
func (s *Server) QUICPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quicLn == nil {
		return 0
	}
	return s.quicLn.Port()
}

// Online reports whether user has a session.
func (s *Server) Online(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[user]
	return ok
}

// Shutdown stops accepting and closes every session. Safe to call more than once.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		httpSrv, qln := s.httpSrv, s.quicLn
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		if httpSrv != nil {
			httpSrv.Close()
		}
		if qln != nil {
			qln.Close()
		}
		for _, sess := range sessions {
			sess.conn.Close()
		}
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.WithError(err).Debug("upgrade failed")
		return
	}
	wc := newWSConn(conn, s.cfg.WriteWait, s.cfg.ReadWait)
	if !s.track() {
		wc.Close()
		return
	}
	go s.serve(wc, user, "websocket")
}

func (s *Server) acceptQUIC(ctx context.Context, ln *transport.QUICListener) {
	defer s.wg.Done()
	for {
		in, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isShutdown() {
				return
			}
			s.log.WithError(err).Warn("QUIC accept")
			continue
		}
		if !s.track() {
			in.Close()
			continue
		}
		go s.openQUIC(ctx, in)
	}
}

// openQUIC waits up to HelloWait for the client's hello, then serves it. The
// caller has already tracked the goroutine.
func (s *Server) openQUIC(ctx context.Context, in *transport.Incoming) {
	helloCtx, cancel := context.WithTimeout(ctx, s.cfg.HelloWait)
	conn, user, err := in.Open(helloCtx)
	cancel()
	if err != nil {
		s.log.WithError(err).WithField("remote", in.RemoteAddr()).Debug("QUIC hello failed")
		s.wg.Done()
		return
	}
	if user == "" {
		conn.Close()
		s.wg.Done()
		return
	}
	s.serve(conn, user, "quic")
}

// track counts a new session goroutine unless shutdown has begun, so no Add
// races the final Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// serve owns conn until it closes.
func (s *Server) serve(conn transport.Conn, user, kind string) {
	defer s.wg.Done()

	sess := &session{id: s.newID(), user: user, transport: kind, conn: conn}
	log := s.log.WithFields(logrus.Fields{"conn": sess.id, "user": user, "transport": kind})

	if err := s.addSession(sess); err != nil {
		log.WithError(err).Warn("rejected")
		conn.Close()
		return
	}
	s.metrics.Connections.Inc()
	log.Info("user in")

	defer func() {
		s.removeSession(sess)
		conn.Close()
		s.metrics.Connections.Dec()
		log.Info("connection closed")
	}()

	for {
		payload, err := conn.Receive()
		if err != nil {
			if !transport.IsClosed(err) {
				log.WithError(err).Debug("read loop ended")
			}
			return
		}
		s.handle(sess, payload, log)
	}
}

var (
	errShutdown  = errors.New("server shutting down")
	errDuplicate = errors.New("user already online")
)

// addSession registers sess. A second login for an online user closes both
// connections.
func (s *Server) addSession(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errShutdown
	}
	if old, ok := s.sessions[sess.user]; ok {
		delete(s.sessions, sess.user)
		old.conn.Close()
		return errDuplicate
	}
	s.sessions[sess.user] = sess
	return nil
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.user] == sess {
		delete(s.sessions, sess.user)
	}
}

func (s *Server) others(user string) []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for u, sess := range s.sessions {
		if u != user {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Server) handle(sess *session, payload []byte, log logrus.FieldLogger) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		s.metrics.Messages.WithLabelValues(metrics.KindMalformed).Inc()
		log.WithError(err).Warn("malformed message")
		return
	}
	if msg.Type != protocol.TypeRequest {
		log.WithField("type", msg.Type).Debug("ignoring non-request message")
		return
	}
	s.metrics.Messages.WithLabelValues(metrics.KindReceived).Inc()
	log.WithFields(logrus.Fields{"seq": msg.Sequence, "message": msg.Message}).Debug("recv")

	notice, err := protocol.Encode(&protocol.Message{
		Sequence: msg.Sequence,
		Type:     protocol.TypeNotification,
		Message:  msg.Message,
		From:     sess.user,
	})
	if err != nil {
		log.WithError(err).Error("encode notification")
		return
	}
	for _, peer := range s.others(sess.user) {
		if err := peer.conn.Send(notice); err != nil {
			log.WithError(err).WithField("to", peer.user).Warn("broadcast failed")
			continue
		}
		s.metrics.Messages.WithLabelValues(metrics.KindBroadcast).Inc()
	}

	resp, err := protocol.Encode(&protocol.Message{
		Sequence: msg.Sequence,
		Type:     protocol.TypeResponse,
		Message:  s.respond(sess.user, msg),
	})
	if err != nil {
		log.WithError(err).Error("encode response")
		return
	}
	if err := sess.conn.Send(resp); err != nil {
		log.WithError(err).Warn("response failed")
		return
	}
	s.metrics.Messages.WithLabelValues(metrics.KindResponse).Inc()
}
