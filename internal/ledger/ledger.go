// Package ledger is the settlement core: agents' budget counters, the
// execution state machine, live reservations, and the hash-chained audit
// log, all mutated through atomic conditional transitions.
//
// Flow:
//  1. Admission reserves the estimated cost against the agent's budget
//  2. Dispatch marks the execution in flight
//  3. Settlement commits the actual cost (or releases/fails the reserve)
//  4. Every transition appends one event to the tamper-evident chain
//
// Amounts are integer micro-units (1 USD = 1,000,000 u) end to end. No
// floating point touches a stored or compared amount.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrExecutionNotFound = errors.New("ledger: execution not found")
	ErrAgentNotFound     = errors.New("ledger: agent not found")
	ErrInvalidState      = errors.New("ledger: transition not valid from current state")
	ErrInvalidEstimate   = errors.New("ledger: reserve estimate must be positive")
	ErrStoreUnavailable  = errors.New("ledger: store unavailable")
)

// -----------------------------------------------------------------------------
// Execution State Machine
// -----------------------------------------------------------------------------

// State is the execution lifecycle state.
//
//	RESERVING -> RESERVED -> DISPATCHED -> COMMITTED
//	    |            |            |
//	    |            +-expire---->+----------> RELEASED
//	    +-budget-----+            +-error----> FAILED
//	    +-deny(policy/rate)-----------------> DENIED
type State string

const (
	StateReserving  State = "RESERVING"
	StateReserved   State = "RESERVED"
	StateDispatched State = "DISPATCHED"
	StateCommitted  State = "COMMITTED"
	StateReleased   State = "RELEASED"
	StateDenied     State = "DENIED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateReleased, StateDenied, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateReserving, StateReserved, StateDispatched,
		StateCommitted, StateReleased, StateDenied, StateFailed:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Execution is one admission attempt, from reserve to a terminal state.
// Rows become immutable once terminal; the cached response makes retried
// requests byte-identical.
type Execution struct {
	ExecutionID    string `json:"execution_id"`
	AgentID        string `json:"agent_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	RequestHash    string `json:"request_hash"` // 64-hex SHA-256
	Route          string `json:"route"`        // chat | embeddings | responses | tools
	Model          string `json:"model"`
	Provider       string `json:"provider,omitempty"`
	State          State  `json:"state"`

	ReserveMicro int64 `json:"reserve_micro"`
	CommitMicro  int64 `json:"commit_micro"`
	ReleaseMicro int64 `json:"release_micro"`

	// Terminal response for idempotent replay; error body for denials.
	ResponseCache []byte `json:"-"`
	StatusCode    int    `json:"status_code,omitempty"`

	DecisionHash string     `json:"decision_hash,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	TerminalAt   *time.Time `json:"terminal_at,omitempty"`
}

// Reservation is the live ticket for an open reserve. It exists from the
// moment budget is held until the execution reaches a terminal state; its
// version CAS makes the refund happen exactly once.
type Reservation struct {
	ExecutionID   string    `json:"execution_id"`
	AgentID       string    `json:"agent_id"`
	ReservedMicro int64     `json:"reserved_micro"`
	State         State     `json:"state"`
	ExpiresAt     time.Time `json:"expires_at"`
	Version       int64     `json:"version"`
}

// Expired reports whether the reservation's TTL has passed at now.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// -----------------------------------------------------------------------------
// Operation Requests / Results
// -----------------------------------------------------------------------------

// ReserveOutcome tags the result of a Reserve call.
type ReserveOutcome string

const (
	OutcomeReserved          ReserveOutcome = "reserved"
	OutcomeBudgetExceeded    ReserveOutcome = "budget_exceeded"
	OutcomeIdempotentHit     ReserveOutcome = "idempotent_hit"
	OutcomeInFlightDuplicate ReserveOutcome = "in_flight_duplicate"
	OutcomeConflict          ReserveOutcome = "conflict"
)

// ReserveRequest asks the store to hold EstimateMicro of the agent's budget
// under a deterministic execution ID.
type ReserveRequest struct {
	ExecutionID    string
	AgentID        string
	IdempotencyKey string
	RequestHash    string // 64-hex
	Route          string
	Model          string
	Provider       string
	EstimateMicro  int64
	TTL            time.Duration
	DecisionHash   string
}

// ReserveResult reports how a Reserve call resolved.
//
// Execution is populated for every outcome:
//   - Reserved:          the new RESERVED row
//   - IdempotentHit:     the prior terminal row, response cache included
//   - InFlightDuplicate: the live row
//   - Conflict:          the prior row whose request hash differs
//   - BudgetExceeded:    the DENIED row just written; EstimateMicro and
//     RemainingMicro carry the 402 body fields
type ReserveResult struct {
	Outcome        ReserveOutcome
	Execution      *Execution
	EstimateMicro  int64
	RemainingMicro int64
}

// CommitRequest settles an execution at its actual cost.
type CommitRequest struct {
	ExecutionID      string
	ActualMicro      int64 // raw provider-derived cost, before over-run policy
	PromptTokens     int64
	CompletionTokens int64
	ResponseBody     []byte
	StatusCode       int
	Estimated        bool // usage derived from frames, not provider-reported
}

// DenyRequest records a non-budget denial (rate or policy) as a DENIED
// execution with a cached error body. Budget denials are written inside
// Reserve itself.
type DenyRequest struct {
	ExecutionID    string
	AgentID        string
	IdempotencyKey string
	RequestHash    string
	Route          string
	Model          string
	EventType      string // EventDenyRate | EventDenyPolicy
	Reason         string
	StatusCode     int
	ErrorBody      []byte
	DecisionHash   string
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	AgentID string
	State   State
	Cursor  string // opaque: last execution_id of the previous page
	Limit   int
}

// OverrunPolicy decides what happens when actual cost exceeds the reserve.
type OverrunPolicy string

const (
	// OverrunClamp settles at the reserve and records the raw cost.
	OverrunClamp OverrunPolicy = "clamp"
	// OverrunExceed settles at the raw cost when budget allows, else clamps.
	OverrunExceed OverrunPolicy = "exceed"
)

// Options configure a store's settlement behavior.
type Options struct {
	ChainScope string        // event chain scope; "" -> DefaultChainScope
	Overrun    OverrunPolicy // "" -> OverrunClamp

	// EventSink, when set, receives every appended event after its
	// transaction commits. It runs on the calling goroutine and must not
	// block; fan-out (websocket hub, webhook queue) happens behind it.
	EventSink func(Event)
}

// DefaultChainScope is the chain scope used by single-tenant deployments.
const DefaultChainScope = "global"

func (o Options) scope() string {
	if o.ChainScope == "" {
		return DefaultChainScope
	}
	return o.ChainScope
}

func (o Options) overrun() OverrunPolicy {
	if o.Overrun == "" {
		return OverrunClamp
	}
	return o.Overrun
}

// -----------------------------------------------------------------------------
// Store Interface
// -----------------------------------------------------------------------------

// Store provides the atomic transition primitives. Every method that moves
// money or state runs as one transaction: counters, execution row,
// reservation row, and event append succeed or fail together.
type Store interface {
	// Reserve admits or refuses one execution. See ReserveResult for the
	// outcome taxonomy. Exactly one reserve or deny.budget event is
	// appended for a fresh execution; replays append nothing.
	Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error)

	// MarkDispatched moves RESERVED -> DISPATCHED and extends the
	// reservation expiry by extend (the provider call now owns the ticket).
	MarkDispatched(ctx context.Context, executionID string, extend time.Duration) error

	// ExtendReservation pushes the expiry of a live reservation forward.
	// Long streams call this between frames to stay ahead of the sweeper.
	ExtendReservation(ctx context.Context, executionID string, extend time.Duration) error

	// Commit settles DISPATCHED -> COMMITTED at the actual cost (after
	// over-run policy), refunds the remaining reserve, and caches the
	// response. Committing an already-COMMITTED execution is a no-op.
	Commit(ctx context.Context, req CommitRequest) error

	// Release refunds the full reserve of a non-terminal execution
	// (client cancel, expiry, operator kill). No-op on terminal rows.
	Release(ctx context.Context, executionID, reason string, statusCode int) error

	// Fail terminates a non-terminal execution after an upstream error,
	// refunding the full reserve and caching the error body. No-op on
	// terminal rows.
	Fail(ctx context.Context, executionID string, statusCode int, errorBody []byte, reason string) error

	// Deny records a rate or policy refusal as a DENIED execution so
	// retries of the same execution replay the same refusal.
	Deny(ctx context.Context, req DenyRequest) error

	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, string, error)

	// ListEvents pages the chain ascending by seq, afterSeq exclusive.
	ListEvents(ctx context.Context, scope string, afterSeq int64, limit int) ([]*Event, error)

	// ListNonTerminal returns executions still in flight that were created
	// before the cutoff. The recovery sweep and kill switch feed on this.
	ListNonTerminal(ctx context.Context, before time.Time) ([]*Execution, error)

	// ExpiredReservations returns live reservations whose TTL passed.
	ExpiredReservations(ctx context.Context, now time.Time) ([]*Reservation, error)
}

// clampCommit applies the over-run policy to a raw actual cost given the
// reserve backing it and the headroom left in the agent's budget. It
// returns the micro amount to settle and whether the raw cost overran.
func clampCommit(policy OverrunPolicy, reserve, actual, budgetHeadroom int64) (settle int64, overrun bool) {
	if actual < 0 {
		actual = 0
	}
	if actual <= reserve {
		return actual, false
	}
	if policy == OverrunExceed && actual-reserve <= budgetHeadroom {
		return actual, true
	}
	return reserve, true
}
