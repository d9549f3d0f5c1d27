package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aex",
		Subsystem: "dispatch",
		Name:      "outcomes_total",
		Help:      "Total dispatch outcomes by provider and kind.",
	}, []string{"provider", "outcome"}) // "committed", "stream_committed", "stream_failed", "upstream_error", "unreachable", "timeout", "client_cancel", "client_gone_drain", "reservation_lost"

	upstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aex",
		Subsystem: "dispatch",
		Name:      "upstream_latency_seconds",
		Help:      "Unary upstream round-trip latency in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(
		dispatchOutcomes,
		upstreamLatency,
	)
}

func observeDispatch(provider, outcome string) {
	dispatchOutcomes.WithLabelValues(provider, outcome).Inc()
}

func observeUpstreamLatency(provider string, d time.Duration) {
	upstreamLatency.WithLabelValues(provider).Observe(d.Seconds())
}
