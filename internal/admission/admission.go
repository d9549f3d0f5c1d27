// Package admission is the front door for every execution: it takes an
// authenticated request through fingerprinting, idempotency, operator
// holds, rate limiting, policy, and the budget reserve, in that order,
// and hands dispatch a reserved execution or the caller a refusal.
package admission

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/aexlabs/aex/internal/agent"
	"github.com/aexlabs/aex/internal/catalog"
	"github.com/aexlabs/aex/internal/fingerprint"
	"github.com/aexlabs/aex/internal/ledger"
	"github.com/aexlabs/aex/internal/policy"
	"github.com/aexlabs/aex/internal/provider"
	"github.com/aexlabs/aex/internal/ratelimit"
	"github.com/aexlabs/aex/internal/syncutil"
	"github.com/aexlabs/aex/internal/traces"
)

// ErrNotAdmitted is wrapped by refusal errors so callers can test for
// the family without enumerating statuses.
var ErrNotAdmitted = errors.New("admission: refused")

// Input is one authenticated request ready for admission.
type Input struct {
	Principal      *agent.Principal
	Route          string
	Body           map[string]any // decoded with canonical.Decode semantics
	IdempotencyKey string
	ProviderKey    string // x-aex-provider-key header, may be empty
	Stream         bool

	// FixedCostMicro, when positive, reserves that amount instead of a
	// model estimate. Tool executions price from their manifest and
	// carry no route plan.
	FixedCostMicro int64
}

// Admission is an admitted execution: budget reserved, body patched,
// destination resolved. Dispatch owns it from here.
type Admission struct {
	ExecutionID  string
	AgentID      string
	RequestHash  string
	Body         map[string]any
	Plan         *provider.RoutePlan // nil for tool executions
	ModelInfo    catalog.Model
	ReserveMicro int64
	DecisionHash string
	ProviderKey  string // passthrough credential when set
	RateLimits   ratelimit.Limits
	Stream       bool
	EstInput     int64
}

// Refusal is a refused admission mapped to its HTTP answer.
type Refusal struct {
	Status      int
	Body        []byte // JSON document served to the caller
	ExecutionID string
	Reason      string
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("admission refused: %d %s", r.Status, r.Reason)
}

func (r *Refusal) Unwrap() error { return ErrNotAdmitted }

// Outcome is the result of one Admit call. Exactly one field is set.
type Outcome struct {
	Admitted *Admission
	// Replay is a finished execution served from its cached terminal
	// response, success and refusal alike.
	Replay *ledger.Execution
	// Refusal is a fresh denial produced by this call.
	Refusal *Refusal
}

// Controller runs the admission pipeline.
type Controller struct {
	store   ledger.Store
	agents  agent.Store
	limiter *ratelimit.Limiter
	engine  *policy.Engine
	catalog *catalog.Loader

	controls *Controls
	locks    *syncutil.KeyedLocks

	wait   time.Duration // bounded wait for the per-execution lock
	ttl    time.Duration // reserve lifetime
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithWait overrides the bounded per-execution lock wait.
func WithWait(d time.Duration) Option {
	return func(c *Controller) { c.wait = d }
}

// WithReserveTTL overrides the reservation lifetime.
func WithReserveTTL(d time.Duration) Option {
	return func(c *Controller) { c.ttl = d }
}

// NewController wires the admission pipeline.
func NewController(store ledger.Store, agents agent.Store, limiter *ratelimit.Limiter,
	engine *policy.Engine, cat *catalog.Loader, controls *Controls, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		agents:   agents,
		limiter:  limiter,
		engine:   engine,
		catalog:  cat,
		controls: controls,
		locks:    syncutil.NewKeyedLocks(),
		wait:     5 * time.Second,
		ttl:      60 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit runs the pipeline. A non-nil error means the store or pipeline
// itself failed (callers map ledger.ErrStoreUnavailable to 503); every
// policy-level answer arrives inside the Outcome.
func (c *Controller) Admit(ctx context.Context, in Input) (_ *Outcome, retErr error) {
	ctx, span := traces.StartSpan(ctx, "admission.Admit",
		traces.AgentID(in.Principal.AgentID),
		traces.Route(in.Route),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	// Resolve the model before touching any state: a request for a model
	// the catalog has never heard of is a 404, not an execution.
	model, modelInfo, plan, refusal, err := c.resolveRoute(in)
	if err != nil {
		return nil, err
	}
	if refusal != nil {
		observeOutcome("refused_model")
		return &Outcome{Refusal: refusal}, nil
	}

	sum, err := fingerprint.RequestHash(in.Principal.AgentID, in.Route, model, in.Body)
	if err != nil {
		return nil, fmt.Errorf("admission: fingerprint: %w", err)
	}
	requestHash := hex.EncodeToString(sum[:])
	executionID := fingerprint.ExecutionID(in.Principal.AgentID, in.IdempotencyKey, sum)
	span.SetAttributes(traces.ExecutionID(executionID), traces.Model(model))

	// Per-execution mutex: duplicate in-flight requests wait here briefly
	// instead of racing the store. The DB unique key remains the truth.
	lockCtx, cancel := context.WithTimeout(ctx, c.wait)
	unlock, err := c.locks.Acquire(lockCtx, executionID)
	cancel()
	if err != nil {
		observeOutcome("in_flight")
		return &Outcome{Refusal: inFlightRefusal(executionID)}, nil
	}
	defer unlock()

	// Idempotency lookup: a terminal row replays its cached response, a
	// live row is a duplicate, a hash mismatch under the same key is a
	// conflict.
	prior, err := c.store.GetExecution(ctx, executionID)
	switch {
	case err == nil:
		if prior.State.Terminal() {
			if prior.RequestHash != requestHash {
				observeOutcome("conflict")
				return &Outcome{Refusal: conflictRefusal(executionID)}, nil
			}
			observeOutcome("idempotent_hit")
			return &Outcome{Replay: prior}, nil
		}
		if prior.RequestHash != requestHash {
			observeOutcome("conflict")
			return &Outcome{Refusal: conflictRefusal(executionID)}, nil
		}
		observeOutcome("in_flight")
		return &Outcome{Refusal: inFlightRefusal(executionID)}, nil
	case errors.Is(err, ledger.ErrExecutionNotFound):
		// fresh execution
	default:
		return nil, err
	}

	// Operator holds refuse before any event is written.
	if reason, held := c.controls.Refusal(); held {
		observeOutcome("held")
		return &Outcome{Refusal: reason}, nil
	}

	ag, err := c.agents.Get(ctx, in.Principal.AgentID)
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			observeOutcome("refused_agent")
			return &Outcome{Refusal: &Refusal{
				Status: http.StatusNotFound,
				Body:   detailBody("Agent not found", nil),
				Reason: "agent not found",
			}}, nil
		}
		return nil, err
	}
	limits := ratelimit.Limits{RPM: ag.RPMLimit, TPM: ag.TPMLimit}

	estIn := EstimateInputTokens(in.Route, in.Body)

	// Rate windows. A denial is durable: the DENIED row replays for
	// retries of the same execution.
	rl, err := c.limiter.Allow(ctx, ag.ID, limits, estIn)
	if err != nil {
		return nil, err
	}
	if !rl.Allowed {
		ref := rateRefusal(executionID, rl)
		if err := c.store.Deny(ctx, ledger.DenyRequest{
			ExecutionID:    executionID,
			AgentID:        ag.ID,
			IdempotencyKey: in.IdempotencyKey,
			RequestHash:    requestHash,
			Route:          in.Route,
			Model:          model,
			EventType:      ledger.EventDenyRate,
			Reason:         string(rl.Kind),
			StatusCode:     ref.Status,
			ErrorBody:      ref.Body,
		}); err != nil {
			return nil, err
		}
		observeOutcome("denied_rate")
		return &Outcome{Refusal: ref}, nil
	}

	// Policy pipeline.
	maxTokens := policy.RequestedMaxTokens(in.Body)
	if maxTokens == 0 {
		maxTokens = modelInfo.Limits.MaxTokens
	}
	decision, err := c.engine.Evaluate(ctx, &policy.Request{
		AgentID:        ag.ID,
		Route:          in.Route,
		Model:          model,
		Body:           in.Body,
		Capabilities:   ag.Capabilities,
		ModelInfo:      modelInfo,
		EstInputTokens: int(estIn),
		MaxTokens:      maxTokens,
		Stream:         in.Stream,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed() {
		ref := policyRefusal(executionID, decision)
		if err := c.store.Deny(ctx, ledger.DenyRequest{
			ExecutionID:    executionID,
			AgentID:        ag.ID,
			IdempotencyKey: in.IdempotencyKey,
			RequestHash:    requestHash,
			Route:          in.Route,
			Model:          model,
			EventType:      ledger.EventDenyPolicy,
			Reason:         decision.Reason,
			StatusCode:     ref.Status,
			ErrorBody:      ref.Body,
			DecisionHash:   decision.DecisionHash,
		}); err != nil {
			return nil, err
		}
		observeOutcome("denied_policy")
		return &Outcome{Refusal: ref}, nil
	}

	// Passthrough credentials are a capability, not a request option.
	if in.ProviderKey != "" && !ag.Capabilities.AllowPassthrough {
		observeOutcome("refused_passthrough")
		return &Outcome{Refusal: &Refusal{
			Status:      http.StatusForbidden,
			Body:        detailBody("Provider key passthrough is not enabled for this agent", nil),
			ExecutionID: executionID,
			Reason:      "passthrough denied",
		}}, nil
	}
	if plan != nil && in.ProviderKey != "" {
		plan.Passthrough = true
	}

	body := policy.ApplyPatch(in.Route, in.Body, decision.Patch)
	if decision.Patch != nil {
		// The patch may have changed the prompt or the output budget. The
		// token window recorded the pre-patch estimate; correct it so the
		// window counts the same tokens the reserve is priced on.
		prior := estIn
		estIn = EstimateInputTokens(in.Route, body)
		if mt := policy.RequestedMaxTokens(body); mt > 0 {
			maxTokens = mt
		}
		if err := c.limiter.AdjustEstimate(ctx, ag.ID, limits, estIn-prior); err != nil {
			c.logger.Warn("rate window estimate correction failed",
				"execution_id", executionID, "agent_id", ag.ID, "error", err)
		}
	}

	estimate := in.FixedCostMicro
	if estimate <= 0 {
		outTokens := int64(maxTokens)
		if in.Route == policy.RouteEmbeddings {
			outTokens = 0
		}
		estimate = modelInfo.Pricing.Cost(estIn, outTokens)
	}
	if estimate <= 0 {
		estimate = 1 // a reserve of zero would admit unpriced work
	}

	res, err := c.store.Reserve(ctx, ledger.ReserveRequest{
		ExecutionID:    executionID,
		AgentID:        ag.ID,
		IdempotencyKey: in.IdempotencyKey,
		RequestHash:    requestHash,
		Route:          in.Route,
		Model:          model,
		Provider:       planProvider(plan),
		EstimateMicro:  estimate,
		TTL:            c.ttl,
		DecisionHash:   decision.DecisionHash,
	})
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case ledger.OutcomeReserved:
		observeOutcome("reserved")
		observeReserve(estimate)
		return &Outcome{Admitted: &Admission{
			ExecutionID:  executionID,
			AgentID:      ag.ID,
			RequestHash:  requestHash,
			Body:         body,
			Plan:         plan,
			ModelInfo:    modelInfo,
			ReserveMicro: res.Execution.ReserveMicro,
			DecisionHash: decision.DecisionHash,
			ProviderKey:  in.ProviderKey,
			RateLimits:   limits,
			Stream:       in.Stream,
			EstInput:     estIn,
		}}, nil
	case ledger.OutcomeBudgetExceeded:
		observeOutcome("denied_budget")
		return &Outcome{Refusal: &Refusal{
			Status:      http.StatusPaymentRequired,
			Body:        ledger.BudgetDeniedBody(res.EstimateMicro, res.RemainingMicro),
			ExecutionID: executionID,
			Reason:      "insufficient budget",
		}}, nil
	case ledger.OutcomeIdempotentHit:
		observeOutcome("idempotent_hit")
		return &Outcome{Replay: res.Execution}, nil
	case ledger.OutcomeInFlightDuplicate:
		observeOutcome("in_flight")
		return &Outcome{Refusal: inFlightRefusal(executionID)}, nil
	case ledger.OutcomeConflict:
		observeOutcome("conflict")
		return &Outcome{Refusal: conflictRefusal(executionID)}, nil
	default:
		return nil, fmt.Errorf("admission: unexpected reserve outcome %q", res.Outcome)
	}
}

// resolveRoute maps the request onto the catalog. Tool executions skip
// the catalog entirely: their "model" is the tool name and their cost
// comes from the manifest.
func (c *Controller) resolveRoute(in Input) (model string, info catalog.Model, plan *provider.RoutePlan, refusal *Refusal, err error) {
	if in.Route == policy.RouteTools {
		name, _ := in.Body["tool"].(string)
		return name, catalog.Model{}, nil, nil, nil
	}

	cat, err := c.catalog.Current()
	if err != nil {
		return "", catalog.Model{}, nil, nil, err
	}
	model, _ = in.Body["model"].(string)
	if model == "" {
		model = cat.Default()
	}
	plan, perr := provider.Plan(cat, in.Route, model)
	if perr != nil {
		return "", catalog.Model{}, nil, &Refusal{
			Status: http.StatusNotFound,
			Body:   detailBody(fmt.Sprintf("Unknown model %q", model), nil),
			Reason: "unknown model",
		}, nil
	}
	info, _ = cat.Model(model)
	return model, info, plan, nil, nil
}

func planProvider(plan *provider.RoutePlan) string {
	if plan == nil {
		return ""
	}
	return plan.Provider
}

// -----------------------------------------------------------------------------
// Refusal bodies
// -----------------------------------------------------------------------------

// detailBody renders the detail-style error document the execution
// surface speaks: {"detail": "...", ...extra}.
func detailBody(detail string, extra map[string]any) []byte {
	doc := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		doc[k] = v
	}
	doc["detail"] = detail
	data, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{"detail":"internal error"}`)
	}
	return data
}

func inFlightRefusal(executionID string) *Refusal {
	return &Refusal{
		Status:      http.StatusConflict,
		Body:        detailBody("Execution already in flight", map[string]any{"execution_id": executionID}),
		ExecutionID: executionID,
		Reason:      "in flight",
	}
}

func conflictRefusal(executionID string) *Refusal {
	return &Refusal{
		Status:      http.StatusConflict,
		Body:        detailBody("Idempotency key was already used with a different request", map[string]any{"execution_id": executionID}),
		ExecutionID: executionID,
		Reason:      "idempotency conflict",
	}
}

func rateRefusal(executionID string, d *ratelimit.Decision) *Refusal {
	return &Refusal{
		Status: http.StatusTooManyRequests,
		Body: detailBody("Rate limit exceeded", map[string]any{
			"kind":                string(d.Kind),
			"limit":               d.Limit,
			"retry_after_seconds": int(d.RetryAfter.Seconds()),
		}),
		ExecutionID: executionID,
		Reason:      "rate " + string(d.Kind),
	}
}

func policyRefusal(executionID string, res *policy.Result) *Refusal {
	return &Refusal{
		Status: http.StatusForbidden,
		Body: detailBody("Policy denied: "+res.Reason, map[string]any{
			"denied_by":     res.DeniedBy,
			"decision_hash": res.DecisionHash,
		}),
		ExecutionID: executionID,
		Reason:      res.Reason,
	}
}
