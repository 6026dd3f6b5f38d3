// Package metrics exposes the broker's operational counters via Prometheus.
//
// A nil *Metrics is valid and drops every observation, so library code never
// needs to nil-check before counting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth result label values.
const (
	AuthResultAccepted        = "accepted"
	AuthResultSessionNotFound = "session_not_found"
	AuthResultSessionFull     = "session_full"
	AuthResultBadProof        = "bad_proof"
	AuthResultStoreError      = "store_error"
)

// Metrics is the broker's metric set, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated prometheus.Counter
	sessionsDeleted prometheus.Counter

	authTotal      *prometheus.CounterVec
	relayedTotal   *prometheus.CounterVec
	relayDropped   prometheus.Counter
	peerLeftTotal  prometheus.Counter
	evictionsTotal prometheus.Counter

	connectionsActive prometheus.Gauge
}

// New builds and registers the metric set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duolink",
		Name:      "sessions_created_total",
		Help:      "Sessions created through the control API.",
	})
	m.sessionsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duolink",
		Name:      "sessions_deleted_total",
		Help:      "Sessions removed by explicit deletion.",
	})
	m.authTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duolink",
		Name:      "signaling_auth_total",
		Help:      "Authentication attempts on the signaling channel by result.",
	}, []string{"result"})
	m.relayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duolink",
		Name:      "signaling_relayed_total",
		Help:      "Messages relayed between paired connections by type.",
	}, []string{"type"})
	m.relayDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duolink",
		Name:      "signaling_dropped_total",
		Help:      "Messages dropped because no peer was connected.",
	})
	m.peerLeftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duolink",
		Name:      "signaling_peer_left_total",
		Help:      "peer-left notifications delivered to a remaining connection.",
	})
	m.evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duolink",
		Name:      "signaling_stale_evictions_total",
		Help:      "Dead transports evicted by the reconciliation pass.",
	})
	m.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duolink",
		Name:      "signaling_connections_active",
		Help:      "Currently registered signaling connections.",
	})

	m.registry.MustRegister(
		m.sessionsCreated,
		m.sessionsDeleted,
		m.authTotal,
		m.relayedTotal,
		m.relayDropped,
		m.peerLeftTotal,
		m.evictionsTotal,
		m.connectionsActive,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) SessionDeleted() {
	if m != nil {
		m.sessionsDeleted.Inc()
	}
}

func (m *Metrics) AuthResult(result string) {
	if m != nil {
		m.authTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Relayed(msgType string) {
	if m != nil {
		m.relayedTotal.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) RelayDropped() {
	if m != nil {
		m.relayDropped.Inc()
	}
}

func (m *Metrics) PeerLeft() {
	if m != nil {
		m.peerLeftTotal.Inc()
	}
}

func (m *Metrics) StaleEviction() {
	if m != nil {
		m.evictionsTotal.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}
