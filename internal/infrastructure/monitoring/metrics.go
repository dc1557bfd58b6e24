// Package monitoring exposes Prometheus metrics for the shell service
// and the session multiplexer.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Shell service metrics
	ConnectionsActive prometheus.Gauge
	SessionsActive    prometheus.Gauge
	SpawnsTotal       prometheus.Counter
	SpawnFailures     prometheus.Counter
	OutputBytes       prometheus.Counter
	InputBytes        prometheus.Counter
	SessionsExited    *prometheus.CounterVec

	// Multiplexer metrics
	MuxSessionsActive prometheus.Gauge
	MuxEventsRelayed  *prometheus.CounterVec
	MuxDroppedFrames  prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// New creates a metrics collector registered on a private registry, so
// tests can hold several collectors without duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellmux_connections_active",
			Help: "Number of open shell service connections",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellmux_sessions_active",
			Help: "Number of live PTY sessions",
		}),
		SpawnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_spawns_total",
			Help: "Total number of shells spawned",
		}),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_spawn_failures_total",
			Help: "Total number of failed spawn attempts",
		}),
		OutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_output_bytes_total",
			Help: "Bytes relayed out of PTY masters",
		}),
		InputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_input_bytes_total",
			Help: "Bytes written to PTY masters",
		}),
		SessionsExited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellmux_sessions_exited_total",
			Help: "Sessions ended, labeled by how they ended",
		}, []string{"reason"}),

		MuxSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellmux_mux_sessions_active",
			Help: "Number of sessions tracked by the multiplexer",
		}),
		MuxEventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellmux_mux_events_relayed_total",
			Help: "Events retagged and forwarded upstream, by type",
		}, []string{"type"}),
		MuxDroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_mux_dropped_frames_total",
			Help: "Commands dropped for unknown or disconnected sessions",
		}),

		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellmux_uptime_seconds",
			Help: "Process uptime in seconds",
		}),
	}

	return m
}

// NewDefault creates a metrics collector on the default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
