// Package metrics exposes the runtime's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the runtime records into. Construct one
// per process; tests pass their own registry.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchLatency  *prometheus.HistogramVec
	InflightItems    prometheus.Gauge
	OutboxDepth      prometheus.Gauge
	OutboxDropped    prometheus.Counter
	Reconnects       prometheus.Counter
	KeepaliveMisses  prometheus.Counter
	TokenRefreshes   *prometheus.CounterVec
	SessionState     prometheus.Gauge
	HandshakeLatency prometheus.Histogram
}

// New creates and registers all collectors. A nil registerer falls back
// to the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowrelay_dispatch_total",
				Help: "Request frames dispatched, by handler kind and outcome",
			},
			[]string{"kind", "result"}, // result: ok, handler_not_found, malformed_payload, overloaded, timeout, handler_failed
		),
		DispatchLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowrelay_dispatch_latency_seconds",
				Help:    "Handler wall time from dequeue to outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		InflightItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowrelay_inflight_items",
			Help: "Work items whose response has not reached the outbox",
		}),
		OutboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowrelay_outbox_depth",
			Help: "Frames queued in the outbox",
		}),
		OutboxDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowrelay_outbox_dropped_total",
			Help: "Frames dropped because the session reset while they were queued",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowrelay_stream_reconnects_total",
			Help: "Stream session re-establishments",
		}),
		KeepaliveMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowrelay_keepalive_misses_total",
			Help: "Keepalive acks that did not arrive in time",
		}),
		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowrelay_token_refreshes_total",
				Help: "Mid-stream bearer token refreshes",
			},
			[]string{"result"}, // result: ok, error
		),
		SessionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowrelay_session_state",
			Help: "Current session state (ordinal of the lifecycle enum)",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowrelay_handshake_latency_seconds",
			Help:    "Time from stream open to Greet",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		}),
	}
}
