// Package metrics defines the Prometheus collectors for the client and server.
//
// Collectors are registered on the Registerer passed to the constructor; a
// nil Registerer leaves them unregistered but still usable.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goim"

// Request results.
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultClosed    = "closed"
	ResultTimeout   = "timeout"
	ResultCancelled = "cancelled"
)

// Drop reasons.
const (
	DropMalformed   = "malformed"
	DropUnsolicited = "unsolicited"
	DropUnexpected  = "unexpected"
)

// Server message kinds.
const (
	KindReceived  = "received"
	KindBroadcast = "broadcast"
	KindResponse  = "response"
	KindMalformed = "malformed"
)

// Client holds the client-side collectors.
type Client struct {
	Logins        *prometheus.CounterVec
	Requests      *prometheus.CounterVec
	Pending       prometheus.Gauge
	Notifications prometheus.Counter
	Dropped       *prometheus.CounterVec
}

// NewClient creates the client collectors and registers them on reg.
func NewClient(reg prometheus.Registerer) *Client {
	m := &Client{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "logins_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Completed requests by result",
		}, []string{"result"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Requests waiting for a response",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "notifications_total",
			Help:      "Notifications received",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped by reason",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Logins, m.Requests, m.Pending, m.Notifications, m.Dropped)
	}
	return m
}

// Server holds the server-side collectors.
type Server struct {
	Connections prometheus.Gauge
	Messages    *prometheus.CounterVec
}

// NewServer creates the server collectors and registers them on reg.
func NewServer(reg prometheus.Registerer) *Server {
	m := &Server{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open client connections",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "messages_total",
			Help:      "Messages handled by kind",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Messages)
	}
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
