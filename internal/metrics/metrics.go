// Package metrics registers the daemon's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared across the runner and bridge.
type Metrics struct {
	CyclesTotal    *prometheus.CounterVec
	GatherDuration *prometheus.HistogramVec
	GatherFailures *prometheus.CounterVec
	BridgeRequests *prometheus.CounterVec
	DeliveryErrors prometheus.Counter
}

// New creates the collectors and registers them on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigild",
			Name:      "cycles_total",
			Help:      "Completed heartbeat cycle attempts by outcome.",
		}, []string{"outcome"}),
		GatherDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vigild",
			Name:      "gather_duration_seconds",
			Help:      "Wall-clock duration of individual tool gather calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		GatherFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigild",
			Name:      "gather_failures_total",
			Help:      "Failed gather attempts by tool.",
		}, []string{"tool"}),
		BridgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigild",
			Name:      "mcp_requests_total",
			Help:      "MCP bridge requests by method and status.",
		}, []string{"method", "status"}),
		DeliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigild",
			Name:      "delivery_errors_total",
			Help:      "Alert deliveries that failed after retries.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.GatherDuration,
		m.GatherFailures,
		m.BridgeRequests,
		m.DeliveryErrors,
	)
	return m
}
