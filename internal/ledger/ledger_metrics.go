package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts transition primitives by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aex",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerEventsAppended counts audit-chain appends by event type.
	LedgerEventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "ledger_events_appended_total",
			Help:      "Audit chain events appended by event type.",
		},
		[]string{"event_type"},
	)

	// LedgerMicroFlow tracks micro-unit movement through the settlement
	// paths: reserved (held), committed (settled), refunded (returned).
	LedgerMicroFlow = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "ledger_micro_total",
			Help:      "Micro-units moved by settlement path.",
		},
		[]string{"flow"},
	)

	// LedgerTxRetries counts serialization-failure retries in the
	// postgres store.
	LedgerTxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "ledger_tx_retries_total",
			Help:      "Postgres transaction retries after serialization failures.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerEventsAppended,
		LedgerMicroFlow,
		LedgerTxRetries,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func observeEventAppend(eventType string) {
	LedgerEventsAppended.WithLabelValues(eventType).Inc()
}

func observeMicroFlow(flow string, micro int64) {
	if micro > 0 {
		LedgerMicroFlow.WithLabelValues(flow).Add(float64(micro))
	}
}
