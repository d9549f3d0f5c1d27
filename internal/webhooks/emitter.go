package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aexlabs/aex/internal/idgen"
	"github.com/aexlabs/aex/internal/ledger"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aex",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aex",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})

	webhookDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aex",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Webhook events dropped because the emit queue was full.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors, webhookDropped)
}

const defaultQueueDepth = 256

// dispatchTimeout bounds one queue entry's subscriber lookup. The
// per-endpoint deliveries carry their own budgets.
const dispatchTimeout = 10 * time.Second

// Emitter bridges ledger events onto the webhook dispatcher. The
// settlement path enqueues; a background loop drains. Enqueue never
// blocks: when the queue is full the event is dropped and counted.
type Emitter struct {
	d      *Dispatcher
	queue  chan *Event
	logger *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithQueueDepth overrides the emit queue capacity.
func WithQueueDepth(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan *Event, n)
		}
	}
}

// NewEmitter creates an emitter feeding d. Call Run to start draining.
func NewEmitter(d *Dispatcher, logger *slog.Logger, opts ...EmitterOption) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		d:      d,
		queue:  make(chan *Event, defaultQueueDepth),
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drains the queue until ctx is canceled. Typically started as a
// goroutine during server wiring.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			dctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			if err := e.d.Dispatch(dctx, ev); err != nil {
				webhookEmitErrors.WithLabelValues(string(ev.Type)).Inc()
				e.logger.Warn("webhook dispatch failed", "event", ev.Type, "error", err)
			}
			cancel()
		}
	}
}

// Drain synchronously dispatches everything currently queued. Tests use
// it instead of racing the Run loop.
func (e *Emitter) Drain(ctx context.Context) {
	for {
		select {
		case ev := <-e.queue:
			if err := e.d.Dispatch(ctx, ev); err != nil {
				webhookEmitErrors.WithLabelValues(string(ev.Type)).Inc()
				e.logger.Warn("webhook dispatch failed", "event", ev.Type, "error", err)
			}
		default:
			return
		}
	}
}

// enqueue is the non-blocking hand-off from the settlement path.
func (e *Emitter) enqueue(ev *Event) {
	webhookEmitTotal.WithLabelValues(string(ev.Type)).Inc()
	select {
	case e.queue <- ev:
	default:
		webhookDropped.WithLabelValues(string(ev.Type)).Inc()
		e.logger.Warn("webhook queue full, event dropped", "event", ev.Type, "agent", ev.AgentID)
	}
}

// Sink adapts the emitter to the ledger's event sink. The returned
// function runs on the settlement goroutine and never blocks.
func (e *Emitter) Sink() func(ledger.Event) {
	return func(lev ledger.Event) {
		eventType, ok := eventTypeFor(lev.EventType)
		if !ok {
			return
		}

		data := map[string]any{}
		if err := json.Unmarshal(lev.Payload, &data); err != nil {
			e.logger.Warn("webhook sink could not decode event payload",
				"event_type", lev.EventType, "seq", lev.Seq, "error", err)
			return
		}
		data["seq"] = lev.Seq
		if lev.ExecutionID != "" {
			data["execution_id"] = lev.ExecutionID
		}
		agentID, _ := data["agent_id"].(string)

		e.enqueue(&Event{
			ID:        idgen.WithPrefix("evt_"),
			Type:      eventType,
			AgentID:   agentID,
			Timestamp: lev.RecordedAt,
			Data:      data,
		})
	}
}

// eventTypeFor maps ledger event types to webhook event classes.
// Dispatch transitions are internal and not published.
func eventTypeFor(ledgerType string) (EventType, bool) {
	switch ledgerType {
	case ledger.EventReserve:
		return EventBudgetReserved, true
	case ledger.EventCommit:
		return EventBudgetCommitted, true
	case ledger.EventRelease:
		return EventBudgetReleased, true
	case ledger.EventFail:
		return EventExecutionFailed, true
	case ledger.EventDenyBudget, ledger.EventDenyRate, ledger.EventDenyPolicy:
		return EventExecutionDenied, true
	}
	return "", false
}
