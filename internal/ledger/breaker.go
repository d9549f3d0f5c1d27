package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aexlabs/aex/internal/circuitbreaker"
)

const breakerName = "ledger_store"

// BreakerStore wraps a Store with a circuit breaker on the mutating
// primitives. When the backing database degrades, admission keeps failing
// fast with ErrStoreUnavailable instead of piling requests onto a sick
// store. Domain errors (invalid state, not found, insufficient budget)
// count as successes: the store answered.
type BreakerStore struct {
	inner   Store
	breaker *circuitbreaker.Breaker
}

// NewBreakerStore wraps inner. threshold and openFor follow the
// circuit breaker defaults when zero. Transitions are logged: an
// opening ledger store takes admission down with it.
func NewBreakerStore(inner Store, threshold int, openFor time.Duration, logger *slog.Logger) *BreakerStore {
	if logger == nil {
		logger = slog.Default()
	}
	br := circuitbreaker.New(breakerName, threshold, openFor)
	br.OnStateChange(func(name string, from, to circuitbreaker.State) {
		level := slog.LevelInfo
		if to == circuitbreaker.StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "ledger store breaker state change",
			"breaker", name,
			"from", from.String(),
			"to", to.String())
	})
	return &BreakerStore{inner: inner, breaker: br}
}

var _ Store = (*BreakerStore)(nil)

// Healthy reports whether the breaker is currently letting writes through.
func (s *BreakerStore) Healthy() bool {
	return s.breaker.State() != circuitbreaker.StateOpen
}

// storeFault reports whether err indicates the store itself failed rather
// than the caller asking for something the domain forbids.
func storeFault(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrExecutionNotFound),
		errors.Is(err, ErrAgentNotFound),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidEstimate):
		return false
	}
	return true
}

func (s *BreakerStore) observe(err error) {
	if storeFault(err) {
		s.breaker.RecordFailure()
		return
	}
	s.breaker.RecordSuccess()
}

func (s *BreakerStore) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if !s.breaker.Allow() {
		return nil, ErrStoreUnavailable
	}
	res, err := s.inner.Reserve(ctx, req)
	s.observe(err)
	return res, err
}

func (s *BreakerStore) MarkDispatched(ctx context.Context, executionID string, extend time.Duration) error {
	if !s.breaker.Allow() {
		return ErrStoreUnavailable
	}
	err := s.inner.MarkDispatched(ctx, executionID, extend)
	s.observe(err)
	return err
}

func (s *BreakerStore) ExtendReservation(ctx context.Context, executionID string, extend time.Duration) error {
	if !s.breaker.Allow() {
		return ErrStoreUnavailable
	}
	err := s.inner.ExtendReservation(ctx, executionID, extend)
	s.observe(err)
	return err
}

func (s *BreakerStore) Commit(ctx context.Context, req CommitRequest) error {
	if !s.breaker.Allow() {
		return ErrStoreUnavailable
	}
	err := s.inner.Commit(ctx, req)
	s.observe(err)
	return err
}

func (s *BreakerStore) Release(ctx context.Context, executionID, reason string, statusCode int) error {
	if !s.breaker.Allow() {
		return ErrStoreUnavailable
	}
	err := s.inner.Release(ctx, executionID, reason, statusCode)
	s.observe(err)
	return err
}

func (s *BreakerStore) Fail(ctx context.Context, executionID string, statusCode int, errorBody []byte, reason string) error {
	if !s.breaker.Allow() {
		return ErrStoreUnavailable
	}
	err := s.inner.Fail(ctx, executionID, statusCode, errorBody, reason)
	s.observe(err)
	return err
}

func (s *BreakerStore) Deny(ctx context.Context, req DenyRequest) error {
	if !s.breaker.Allow() {
		return ErrStoreUnavailable
	}
	err := s.inner.Deny(ctx, req)
	s.observe(err)
	return err
}

// Reads pass through: a read against a degraded store still surfaces its
// own error, and probing reads would flap the breaker under read-heavy
// admin traffic.

func (s *BreakerStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return s.inner.GetExecution(ctx, executionID)
}

func (s *BreakerStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, string, error) {
	return s.inner.ListExecutions(ctx, filter)
}

func (s *BreakerStore) ListEvents(ctx context.Context, scope string, afterSeq int64, limit int) ([]*Event, error) {
	return s.inner.ListEvents(ctx, scope, afterSeq, limit)
}

func (s *BreakerStore) ListNonTerminal(ctx context.Context, before time.Time) ([]*Execution, error) {
	return s.inner.ListNonTerminal(ctx, before)
}

func (s *BreakerStore) ExpiredReservations(ctx context.Context, now time.Time) ([]*Reservation, error) {
	return s.inner.ExpiredReservations(ctx, now)
}
