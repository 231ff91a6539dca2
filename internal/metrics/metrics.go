// Package metrics holds the Prometheus collectors for the relay.
//
// All methods are safe on a nil *Metrics so the chat core can run without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Connections is the number of open websocket connections, bound or not.
	Connections prometheus.Gauge

	// OnlineUsers is the registry size.
	OnlineUsers prometheus.Gauge

	// ActiveCalls is the number of calls in calling or active state.
	ActiveCalls prometheus.Gauge

	// Frames counts inbound frames by declared type.
	// Labels: type (the alias as sent, or "unknown" / "malformed")
	Frames *prometheus.CounterVec

	// DroppedFrames counts outbound frames dropped on a full or closed queue.
	DroppedFrames prometheus.Counter

	// LivenessTerminations counts connections closed for missing a pong.
	LivenessTerminations prometheus.Counter

	// OrphansReconciled counts registry bindings purged by the reconciliation sweep.
	OrphansReconciled prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open websocket connections",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Users with a bound session",
		}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_calls",
			Help: "Calls not yet ended",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		DroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Outbound frames dropped because the peer queue was full or closed",
		}),
		LivenessTerminations: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_liveness_terminations_total",
			Help: "Connections terminated by the liveness sweep",
		}),
		OrphansReconciled: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_orphans_reconciled_total",
			Help: "Registry bindings removed by the reconciliation sweep",
		}),
	}
}

func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

func (m *Metrics) SetActiveCalls(n int) {
	if m != nil {
		m.ActiveCalls.Set(float64(n))
	}
}

func (m *Metrics) Frame(typ string) {
	if m != nil {
		m.Frames.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.DroppedFrames.Inc()
	}
}

func (m *Metrics) Terminated() {
	if m != nil {
		m.LivenessTerminations.Inc()
	}
}

func (m *Metrics) Reconciled(n int) {
	if m != nil && n > 0 {
		m.OrphansReconciled.Add(float64(n))
	}
}
