package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aexlabs/aex/internal/agent"
)

// MemoryStore implements Store against an in-memory agent store. One mutex
// covers executions, reservations, and the chain, so every primitive is
// atomic the same way a database transaction is.
type MemoryStore struct {
	mu           sync.Mutex
	agents       agent.Store
	opts         Options
	executions   map[string]*Execution
	reservations map[string]*Reservation
	chains       map[string][]*Event // scope -> events ascending by seq
	now          func() time.Time
}

// NewMemoryStore creates an in-memory ledger over the given agent store.
func NewMemoryStore(agents agent.Store, opts Options) *MemoryStore {
	return &MemoryStore{
		agents:       agents,
		opts:         opts,
		executions:   make(map[string]*Execution),
		reservations: make(map[string]*Reservation),
		chains:       make(map[string][]*Event),
		now:          time.Now,
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// SetClock replaces the store's clock. Tests use it to expire reservations
// without sleeping.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SeedExecution installs an execution (and, for held states, its
// reservation) directly, bypassing Reserve. Crash-recovery tests use it to
// fabricate the rows an interrupted process would leave behind.
func (s *MemoryStore) SeedExecution(ex *Execution, res *Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[ex.ExecutionID] = cloneExecution(ex)
	if res != nil {
		rcp := *res
		s.reservations[res.ExecutionID] = &rcp
	}
}

// CorruptEventHash overwrites the stored hash at seq, simulating storage
// tampering for chain verification tests.
func (s *MemoryStore) CorruptEventHash(scope string, seq int64, hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.chains[scope] {
		if e.Seq == seq {
			e.EventHash = hash
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Transition Primitives
// -----------------------------------------------------------------------------

func (s *MemoryStore) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	defer observeOp("reserve")()
	if req.EstimateMicro <= 0 {
		return nil, ErrInvalidEstimate
	}
	if req.TTL <= 0 {
		req.TTL = time.Minute
	}

	s.mu.Lock()
	res, ev, err := s.reserve(ctx, req)
	s.mu.Unlock()
	s.emit(ev)
	return res, err
}

func (s *MemoryStore) reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, *Event, error) {
	if existing, ok := s.executions[req.ExecutionID]; ok {
		return resolveExisting(existing, req), nil, nil
	}

	a, err := s.agents.Get(ctx, req.AgentID)
	if err != nil {
		return nil, nil, ErrAgentNotFound
	}

	now := s.now()
	ex := &Execution{
		ExecutionID:    req.ExecutionID,
		AgentID:        req.AgentID,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    req.RequestHash,
		Route:          req.Route,
		Model:          req.Model,
		Provider:       req.Provider,
		State:          StateReserving,
		ReserveMicro:   req.EstimateMicro,
		DecisionHash:   req.DecisionHash,
		CreatedAt:      now,
	}
	s.executions[req.ExecutionID] = ex

	if err := s.agents.ApplyBalanceDelta(ctx, req.AgentID, 0, req.EstimateMicro); err != nil {
		if err != agent.ErrInsufficientBudget {
			delete(s.executions, req.ExecutionID)
			return nil, nil, fmt.Errorf("hold reserve: %w", err)
		}
		// Budget refused: the attempt itself is recorded and denied.
		remaining := a.AvailableMicro()
		if cur, gerr := s.agents.Get(ctx, req.AgentID); gerr == nil {
			remaining = cur.AvailableMicro()
		}
		ex.State = StateDenied
		ex.StatusCode = 402
		ex.ResponseCache = BudgetDeniedBody(req.EstimateMicro, remaining)
		ex.TerminalAt = &now

		ev, aerr := s.append(EventDenyBudget, ex.ExecutionID, denyBudgetPayload(ex, req.EstimateMicro, remaining))
		if aerr != nil {
			return nil, nil, aerr
		}
		return &ReserveResult{
			Outcome:        OutcomeBudgetExceeded,
			Execution:      cloneExecution(ex),
			EstimateMicro:  req.EstimateMicro,
			RemainingMicro: remaining,
		}, ev, nil
	}

	ex.State = StateReserved
	s.reservations[req.ExecutionID] = &Reservation{
		ExecutionID:   req.ExecutionID,
		AgentID:       req.AgentID,
		ReservedMicro: req.EstimateMicro,
		State:         StateReserved,
		ExpiresAt:     now.Add(req.TTL),
		Version:       1,
	}

	ev, err := s.append(EventReserve, ex.ExecutionID, reservePayload(ex))
	if err != nil {
		return nil, nil, err
	}
	observeMicroFlow("reserved", req.EstimateMicro)
	return &ReserveResult{
		Outcome:       OutcomeReserved,
		Execution:     cloneExecution(ex),
		EstimateMicro: req.EstimateMicro,
	}, ev, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, executionID string, extend time.Duration) error {
	defer observeOp("mark_dispatched")()

	s.mu.Lock()
	ev, err := s.markDispatched(executionID, extend)
	s.mu.Unlock()
	s.emit(ev)
	return err
}

func (s *MemoryStore) markDispatched(executionID string, extend time.Duration) (*Event, error) {
	ex, ok := s.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if ex.State != StateReserved {
		return nil, ErrInvalidState
	}

	ex.State = StateDispatched
	if res, ok := s.reservations[executionID]; ok {
		res.State = StateDispatched
		if extend > 0 {
			res.ExpiresAt = s.now().Add(extend)
		}
		res.Version++
	}
	return s.append(EventDispatch, executionID, dispatchPayload(ex))
}

func (s *MemoryStore) ExtendReservation(ctx context.Context, executionID string, extend time.Duration) error {
	if extend <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	until := s.now().Add(extend)
	if until.After(res.ExpiresAt) {
		res.ExpiresAt = until
	}
	res.Version++
	return nil
}

func (s *MemoryStore) Commit(ctx context.Context, req CommitRequest) error {
	defer observeOp("commit")()

	s.mu.Lock()
	ev, err := s.commit(ctx, req)
	s.mu.Unlock()
	s.emit(ev)
	return err
}

func (s *MemoryStore) commit(ctx context.Context, req CommitRequest) (*Event, error) {
	ex, ok := s.executions[req.ExecutionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if ex.State == StateCommitted {
		return nil, nil
	}
	if ex.State != StateDispatched {
		return nil, ErrInvalidState
	}

	res, ok := s.reservations[req.ExecutionID]
	if !ok {
		return nil, ErrInvalidState
	}

	headroom := int64(0)
	if a, err := s.agents.Get(ctx, ex.AgentID); err == nil {
		headroom = a.AvailableMicro()
	}
	settle, overrun := clampCommit(s.opts.overrun(), res.ReservedMicro, req.ActualMicro, headroom)

	// Move the hold to spend in one guarded step.
	if err := s.agents.ApplyBalanceDelta(ctx, ex.AgentID, settle, -res.ReservedMicro); err != nil {
		return nil, fmt.Errorf("settle commit: %w", err)
	}
	delete(s.reservations, req.ExecutionID)
	observeMicroFlow("committed", settle)
	observeMicroFlow("refunded", res.ReservedMicro-settle)

	now := s.now()
	ex.State = StateCommitted
	ex.CommitMicro = settle
	ex.ResponseCache = append([]byte(nil), req.ResponseBody...)
	ex.StatusCode = req.StatusCode
	if ex.StatusCode == 0 {
		ex.StatusCode = 200
	}
	ex.TerminalAt = &now

	return s.append(EventCommit, ex.ExecutionID, commitPayload(ex, req, settle, overrun))
}

func (s *MemoryStore) Release(ctx context.Context, executionID, reason string, statusCode int) error {
	defer observeOp("release")()

	s.mu.Lock()
	ev, err := s.terminate(ctx, executionID, StateReleased, statusCode, nil, reason)
	s.mu.Unlock()
	s.emit(ev)
	return err
}

func (s *MemoryStore) Fail(ctx context.Context, executionID string, statusCode int, errorBody []byte, reason string) error {
	defer observeOp("fail")()

	s.mu.Lock()
	ev, err := s.terminate(ctx, executionID, StateFailed, statusCode, errorBody, reason)
	s.mu.Unlock()
	s.emit(ev)
	return err
}

// terminate implements the shared Release/Fail path: refund whatever the
// live reservation still holds, then park the execution in the terminal
// state. No-op when the row is already terminal.
func (s *MemoryStore) terminate(ctx context.Context, executionID string, to State, statusCode int, errorBody []byte, reason string) (*Event, error) {
	ex, ok := s.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if ex.State.Terminal() {
		return nil, nil
	}

	var refund int64
	if res, ok := s.reservations[executionID]; ok {
		refund = res.ReservedMicro
		if err := s.agents.ApplyBalanceDelta(ctx, ex.AgentID, 0, -refund); err != nil {
			return nil, fmt.Errorf("refund reserve: %w", err)
		}
		delete(s.reservations, executionID)
		observeMicroFlow("refunded", refund)
	}

	now := s.now()
	ex.State = to
	ex.TerminalAt = &now
	if statusCode > 0 {
		ex.StatusCode = statusCode
	}

	reason = truncateReason(reason, 512)
	if to == StateReleased {
		ex.ReleaseMicro = refund
		return s.append(EventRelease, executionID, releasePayload(ex, refund, reason))
	}
	if len(errorBody) > 0 {
		ex.ResponseCache = append([]byte(nil), errorBody...)
	}
	return s.append(EventFail, executionID, failPayload(ex, refund, statusCode, reason))
}

func (s *MemoryStore) Deny(ctx context.Context, req DenyRequest) error {
	defer observeOp("deny")()

	s.mu.Lock()
	ev, err := s.deny(req)
	s.mu.Unlock()
	s.emit(ev)
	return err
}

func (s *MemoryStore) deny(req DenyRequest) (*Event, error) {
	if _, ok := s.executions[req.ExecutionID]; ok {
		return nil, nil
	}

	now := s.now()
	ex := &Execution{
		ExecutionID:    req.ExecutionID,
		AgentID:        req.AgentID,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    req.RequestHash,
		Route:          req.Route,
		Model:          req.Model,
		State:          StateDenied,
		StatusCode:     req.StatusCode,
		ResponseCache:  append([]byte(nil), req.ErrorBody...),
		DecisionHash:   req.DecisionHash,
		CreatedAt:      now,
		TerminalAt:     &now,
	}
	s.executions[req.ExecutionID] = ex
	return s.append(req.EventType, req.ExecutionID, denyPayload(req))
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(ex), nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Execution, 0, len(s.executions))
	for _, ex := range s.executions {
		if f.AgentID != "" && ex.AgentID != f.AgentID {
			continue
		}
		if f.State != "" && ex.State != f.State {
			continue
		}
		all = append(all, ex)
	}
	// Newest first; execution ID breaks created_at ties so cursors are stable.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ExecutionID < all[j].ExecutionID
	})

	start := 0
	if f.Cursor != "" {
		for i, ex := range all {
			if ex.ExecutionID == f.Cursor {
				start = i + 1
				break
			}
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	page := make([]*Execution, 0, limit)
	for i := start; i < len(all) && len(page) < limit; i++ {
		page = append(page, cloneExecution(all[i]))
	}

	next := ""
	if len(page) > 0 && start+len(page) < len(all) {
		next = page[len(page)-1].ExecutionID
	}
	return page, next, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, scope string, afterSeq int64, limit int) ([]*Event, error) {
	if scope == "" {
		scope = s.opts.scope()
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, e := range s.chains[scope] {
		if e.Seq <= afterSeq {
			continue
		}
		cp := *e
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListNonTerminal(ctx context.Context, before time.Time) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Execution
	for _, ex := range s.executions {
		if ex.State.Terminal() {
			continue
		}
		if !before.IsZero() && !ex.CreatedAt.Before(before) {
			continue
		}
		out = append(out, cloneExecution(ex))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out, nil
}

func (s *MemoryStore) ExpiredReservations(ctx context.Context, now time.Time) ([]*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Reservation
	for _, res := range s.reservations {
		if res.Expired(now) {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Chain Append
// -----------------------------------------------------------------------------

// append links one event onto the scope chain. Caller holds s.mu, which is
// the memory equivalent of the chain-head row lock.
func (s *MemoryStore) append(eventType, executionID string, payload map[string]any) (*Event, error) {
	scope := s.opts.scope()
	chain := s.chains[scope]

	var head *Event
	if len(chain) > 0 {
		head = chain[len(chain)-1]
	}

	ev, err := nextEvent(head, scope, executionID, eventType, payload)
	if err != nil {
		return nil, err
	}
	s.chains[scope] = append(chain, ev)
	observeEventAppend(eventType)
	return ev, nil
}

func (s *MemoryStore) emit(ev *Event) {
	if ev == nil || s.opts.EventSink == nil {
		return
	}
	s.opts.EventSink(*ev)
}

// resolveExisting maps an already-present execution row to the replay
// outcome: conflicting hash, terminal replay, or live duplicate.
func resolveExisting(existing *Execution, req ReserveRequest) *ReserveResult {
	if req.RequestHash != existing.RequestHash {
		return &ReserveResult{Outcome: OutcomeConflict, Execution: cloneExecution(existing)}
	}
	if existing.State.Terminal() {
		return &ReserveResult{Outcome: OutcomeIdempotentHit, Execution: cloneExecution(existing)}
	}
	return &ReserveResult{Outcome: OutcomeInFlightDuplicate, Execution: cloneExecution(existing)}
}

func cloneExecution(e *Execution) *Execution {
	cp := *e
	if e.ResponseCache != nil {
		cp.ResponseCache = append([]byte(nil), e.ResponseCache...)
	}
	if e.TerminalAt != nil {
		t := *e.TerminalAt
		cp.TerminalAt = &t
	}
	return &cp
}

// BudgetDeniedBody is the cached 402 response written when a reserve is
// refused; replays of the same execution return these bytes verbatim.
func BudgetDeniedBody(estimated, remaining int64) []byte {
	if remaining < 0 {
		remaining = 0
	}
	body, _ := json.Marshal(map[string]any{
		"detail":          "Insufficient budget",
		"estimated_micro": estimated,
		"remaining_micro": remaining,
	})
	return body
}

// truncateReason keeps event payloads bounded when upstream error text is
// pathological.
func truncateReason(reason string, max int) string {
	if len(reason) <= max {
		return reason
	}
	return strings.TrimSpace(reason[:max]) + "..."
}
