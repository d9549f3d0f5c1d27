// Package dispatch carries an admitted execution to its provider and
// settles the reservation at the real cost. Unary calls forward and
// commit in one shot; streams relay server-sent events and settle at
// end of stream. Every execution leaves through exactly one terminal
// transition regardless of how the provider or the client misbehaves.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/aexlabs/aex/internal/admission"
	"github.com/aexlabs/aex/internal/ledger"
	"github.com/aexlabs/aex/internal/provider"
	"github.com/aexlabs/aex/internal/ratelimit"
	"github.com/aexlabs/aex/internal/traces"
)

// maxResponseBytes caps how much of an upstream body is buffered. Unary
// completions and error bodies both live under this.
const maxResponseBytes = 10 << 20

// dispatchGrace pads reservation extensions past the operation that
// holds them, so the sweeper never races a live call.
const dispatchGrace = 15 * time.Second

// KeyFunc resolves the provider API key for a catalog provider name.
type KeyFunc func(provider string) string

// Dispatcher forwards admitted executions and settles them.
type Dispatcher struct {
	store   ledger.Store
	client  *provider.Client
	limiter *ratelimit.Limiter
	keys    KeyFunc

	timeout time.Duration // unary upstream deadline
	idle    time.Duration // max silence between stream frames
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTimeout sets the unary upstream deadline.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithIdleTimeout sets the maximum silence between stream frames.
func WithIdleTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.idle = t }
}

// WithClient overrides the upstream HTTP client.
func WithClient(c *provider.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// NewDispatcher wires a dispatcher. keys resolves provider credentials
// when the caller did not bring their own.
func NewDispatcher(store ledger.Store, limiter *ratelimit.Limiter, keys KeyFunc, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		client:  provider.NewClient(),
		limiter: limiter,
		keys:    keys,
		timeout: 120 * time.Second,
		idle:    60 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result is what the transport layer writes back for a unary call: the
// upstream's answer (or our refusal of it) plus the settled execution
// for the response headers.
type Result struct {
	StatusCode int
	Body       []byte
	Execution  *ledger.Execution
}

// Unary forwards one non-streaming execution and settles it. ctx is the
// caller's request context; its cancellation releases the reservation.
func (d *Dispatcher) Unary(ctx context.Context, adm *admission.Admission) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "dispatch.Unary",
		traces.ExecutionID(adm.ExecutionID),
		traces.AgentID(adm.AgentID),
		traces.Provider(adm.Plan.Provider),
		traces.Model(adm.Plan.RequestedModel),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	// Settlement must land even when the caller has hung up.
	sctx := context.WithoutCancel(ctx)

	upBody, err := provider.UpstreamBody(adm.Plan, adm.Body, false)
	if err != nil {
		return nil, fmt.Errorf("dispatch: upstream body: %w", err)
	}
	if err := d.store.MarkDispatched(sctx, adm.ExecutionID, d.timeout+dispatchGrace); err != nil {
		return nil, fmt.Errorf("dispatch: mark dispatched: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := time.Now()
	resp, err := d.client.Do(callCtx, adm.Plan, upBody, d.providerKey(adm), false)
	if err != nil {
		return d.unaryCallError(sctx, ctx, callCtx, adm, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return d.unaryCallError(sctx, ctx, callCtx, adm, err)
	}
	observeUpstreamLatency(adm.Plan.Provider, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The provider answered and said no. The refusal passes through
		// and the reserve comes back.
		if err := d.store.Fail(sctx, adm.ExecutionID, resp.StatusCode, raw,
			fmt.Sprintf("upstream status %d", resp.StatusCode)); err != nil {
			return nil, err
		}
		observeDispatch(adm.Plan.Provider, "upstream_error")
		return d.finish(sctx, adm, resp.StatusCode, raw)
	}

	body, usage := d.settleableResponse(adm, raw)
	actual := adm.ModelInfo.Pricing.Cost(usage.Prompt, usage.Completion)
	if err := d.store.Commit(sctx, ledger.CommitRequest{
		ExecutionID:      adm.ExecutionID,
		ActualMicro:      actual,
		PromptTokens:     usage.Prompt,
		CompletionTokens: usage.Completion,
		ResponseBody:     body,
		StatusCode:       resp.StatusCode,
		Estimated:        usage.Estimated,
	}); err != nil {
		return nil, err
	}
	d.recordSettled(sctx, adm, usage.Completion)
	observeDispatch(adm.Plan.Provider, "committed")
	d.logger.Info("execution committed",
		"execution_id", adm.ExecutionID,
		"agent_id", adm.AgentID,
		"model", adm.Plan.RequestedModel,
		"prompt_tokens", usage.Prompt,
		"completion_tokens", usage.Completion,
		"actual_micro", actual,
		"estimated", usage.Estimated,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return d.finish(sctx, adm, resp.StatusCode, body)
}

// unaryCallError maps a transport-level failure onto its terminal
// transition: our deadline is a 504, the caller walking away is a
// release, anything else is a 502.
func (d *Dispatcher) unaryCallError(sctx, callerCtx, callCtx context.Context, adm *admission.Admission, cause error) (*Result, error) {
	switch {
	case callerCtx.Err() != nil:
		if err := d.store.Release(sctx, adm.ExecutionID, "client_cancel", statusClientClosed); err != nil {
			return nil, err
		}
		observeDispatch(adm.Plan.Provider, "client_cancel")
		return d.finish(sctx, adm, statusClientClosed, detailBody("Client closed request"))
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		body := detailBody("Provider timeout")
		if err := d.store.Fail(sctx, adm.ExecutionID, http.StatusGatewayTimeout, body, "provider_timeout"); err != nil {
			return nil, err
		}
		observeDispatch(adm.Plan.Provider, "timeout")
		return d.finish(sctx, adm, http.StatusGatewayTimeout, body)
	default:
		d.logger.Warn("upstream unreachable",
			"execution_id", adm.ExecutionID, "provider", adm.Plan.Provider, "error", cause)
		body := detailBody("Provider unreachable")
		if err := d.store.Fail(sctx, adm.ExecutionID, http.StatusBadGateway, body, "upstream_unreachable"); err != nil {
			return nil, err
		}
		observeDispatch(adm.Plan.Provider, "unreachable")
		return d.finish(sctx, adm, http.StatusBadGateway, body)
	}
}

// settleableResponse rewrites the provider model name back to the
// public one and extracts usage, estimating when the provider omitted
// it.
func (d *Dispatcher) settleableResponse(adm *admission.Admission, raw []byte) ([]byte, Usage) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Not JSON we understand; relay as-is and settle on estimates.
		return raw, Usage{
			Prompt:     adm.EstInput,
			Completion: estimateTokens(len(raw)),
			Estimated:  true,
		}
	}
	if _, ok := doc["model"]; ok {
		doc["model"] = adm.Plan.RequestedModel
	}
	usage, ok := ExtractUsage(doc)
	if !ok {
		usage = Usage{
			Prompt:     adm.EstInput,
			Completion: estimateCompletion(doc),
			Estimated:  true,
		}
	}
	body, err := json.Marshal(doc)
	if err != nil {
		body = raw
	}
	return body, usage
}

// finish reloads the settled execution so the transport can stamp the
// settlement headers.
func (d *Dispatcher) finish(ctx context.Context, adm *admission.Admission, status int, body []byte) (*Result, error) {
	exec, err := d.store.GetExecution(ctx, adm.ExecutionID)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: status, Body: body, Execution: exec}, nil
}

func (d *Dispatcher) providerKey(adm *admission.Admission) string {
	if adm.ProviderKey != "" {
		return adm.ProviderKey
	}
	if d.keys == nil {
		return ""
	}
	return d.keys(adm.Plan.Provider)
}

// recordSettled tops up the token window with the completion tokens the
// admission estimate could not know about.
func (d *Dispatcher) recordSettled(ctx context.Context, adm *admission.Admission, completion int64) {
	if err := d.limiter.RecordSettled(ctx, adm.AgentID, adm.RateLimits, completion); err != nil {
		d.logger.Warn("rate settlement record failed",
			"execution_id", adm.ExecutionID, "agent_id", adm.AgentID, "error", err)
	}
}

// statusClientClosed is the nginx convention for a caller that hung up.
const statusClientClosed = 499

func detailBody(detail string) []byte {
	body, _ := json.Marshal(map[string]string{"detail": detail})
	return body
}
