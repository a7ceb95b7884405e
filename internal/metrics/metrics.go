// Package metrics holds the Prometheus collectors of the sync engine. All
// methods are safe on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection states as exported on chatsync_connection_state.
var connectionStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECTING"}

// Metrics groups the engine collectors on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	connState       *prometheus.GaugeVec
	reconnects      prometheus.Counter
	pending         prometheus.Gauge
	failed          *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	flushMutations  prometheus.Histogram
	presenceFailure prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Scheduled reconnection attempts.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_pending_sends",
			Help: "Messages waiting in the outbox for a connection.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_failed_total",
			Help: "Messages marked FAILED, by reason.",
		}, []string{"reason"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_flush_duration_seconds",
			Help:    "Time spent merging and emitting a batch.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		flushMutations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_flush_mutations",
			Help:    "Mutations merged per flush.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		presenceFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_presence_refresh_failures_total",
			Help: "Presence refreshes that failed after retries.",
		}),
	}
	m.Registry.MustRegister(
		m.connState, m.reconnects, m.pending, m.failed,
		m.flushDuration, m.flushMutations, m.presenceFailure,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetConnectionState marks state as the current one.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// IncFailed counts a message marked FAILED. Reasons: timeout, exhausted, retry.
func (m *Metrics) IncFailed(reason string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveFlush(d time.Duration, mutations int) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(d.Seconds())
	m.flushMutations.Observe(float64(mutations))
}

func (m *Metrics) IncPresenceFailure() {
	if m == nil {
		return
	}
	m.presenceFailure.Inc()
}
