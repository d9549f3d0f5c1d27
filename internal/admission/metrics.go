package admission

import "github.com/prometheus/client_golang/prometheus"

var (
	admissionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aex",
		Subsystem: "admission",
		Name:      "outcomes_total",
		Help:      "Total admission outcomes by kind.",
	}, []string{"outcome"}) // "reserved", "idempotent_hit", "in_flight", "conflict", "held", "denied_rate", "denied_policy", "denied_budget", "refused_model", "refused_agent", "refused_passthrough"

	admissionReserveMicro = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aex",
		Subsystem: "admission",
		Name:      "reserve_micro",
		Help:      "Distribution of reserved amounts in micro-units.",
		Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000, 100000000},
	})
)

func init() {
	prometheus.MustRegister(
		admissionOutcomes,
		admissionReserveMicro,
	)
}

func observeOutcome(outcome string) {
	admissionOutcomes.WithLabelValues(outcome).Inc()
}

func observeReserve(micro int64) {
	admissionReserveMicro.Observe(float64(micro))
}
