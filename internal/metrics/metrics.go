// Package metrics exports connection manager activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"connmgr/pkg/types"
)

const (
	namespace = "connmgr"
	subsystem = "acceptor"
)

// Metrics implements acceptor.Observer. Observe must be called from the
// event loop that owns the connections.
type Metrics struct {
	connections prometheus.Gauge
	active      prometheus.Gauge
	events      *prometheus.CounterVec
	lifetime    prometheus.Histogram

	addedAt map[string]time.Time
}

// MustNewMetrics registers the collectors with reg, panicking on
// registration errors. A nil reg means the default registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of connections tracked by the connection manager.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Number of connections with requests in flight.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by kind.",
		}, []string{"kind"}),
		lifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_lifetime_seconds",
			Help:      "Time between a connection being added and removed.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		addedAt: make(map[string]time.Time),
	}
	reg.MustRegister(m.connections, m.active, m.events, m.lifetime)
	return m
}

func (m *Metrics) Observe(event types.ConnectionEvent) {
	m.events.WithLabelValues(string(event.Kind)).Inc()

	switch event.Kind {
	case types.EventAdded:
		m.connections.Inc()
		m.addedAt[event.ConnectionID] = event.Timestamp
	case types.EventRemoved:
		m.connections.Dec()
		if added, ok := m.addedAt[event.ConnectionID]; ok {
			m.lifetime.Observe(event.Timestamp.Sub(added).Seconds())
			delete(m.addedAt, event.ConnectionID)
		}
	case types.EventActivated:
		m.active.Inc()
	case types.EventDeactivated:
		m.active.Dec()
	}
}

// MustRegisterStoreDropped exports the number of events the event store
// discarded because its write queue was full.
func MustRegisterStoreDropped(reg prometheus.Registerer, dropped func() int64) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "dropped_events_total",
		Help:      "Connection events discarded because the event store queue was full.",
	}, func() float64 { return float64(dropped()) }))
}
