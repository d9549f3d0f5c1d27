package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/aexlabs/aex/internal/retry"
)

// errConcurrentInsert marks a unique-violation race on execution insert.
// The transaction retries and resolves through the lookup path instead.
var errConcurrentInsert = errors.New("ledger: concurrent execution insert")

const (
	txMaxAttempts = 5
	txBaseDelay   = 20 * time.Millisecond
)

// PostgresStore implements Store with PostgreSQL. Every primitive runs one
// SERIALIZABLE transaction; serialization failures and deadlocks retry with
// backoff, everything else surfaces to the caller.
//
// The agents table is shared with the agent store: its check constraints
// (non-negative counters, spent + reserved <= budget) are the final word on
// budget safety no matter which code path writes.
type PostgresStore struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts, now: time.Now}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// SetClock replaces the store's clock for TTL tests.
func (p *PostgresStore) SetClock(now func() time.Time) {
	p.now = now
}

const executionColumns = `execution_id, agent_id, COALESCE(idempotency_key, ''), request_hash,
	route, model, provider, state, reserve_micro, commit_micro, release_micro,
	response_cache, COALESCE(status_code, 0), COALESCE(decision_hash, ''), created_at, terminal_at`

// -----------------------------------------------------------------------------
// Transaction Runner
// -----------------------------------------------------------------------------

// runTx executes fn inside a serializable transaction, retrying
// serialization failures and deadlocks up to txMaxAttempts.
func (p *PostgresStore) runTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	attempt := 0
	return retry.Do(ctx, txMaxAttempts, txBaseDelay, func() error {
		if attempt++; attempt > 1 {
			LedgerTxRetries.Inc()
		}

		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return retry.Permanent(fmt.Errorf("begin %s: %w", op, err))
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			if isRetryableTx(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isRetryableTx(err) {
				return err
			}
			return retry.Permanent(fmt.Errorf("commit %s: %w", op, err))
		}
		return nil
	})
}

// isRetryableTx reports whether the error is a transient transaction
// conflict: serialization_failure (40001), deadlock_detected (40P01), or a
// losing race on the executions unique index.
func isRetryableTx(err error) bool {
	if errors.Is(err, errConcurrentInsert) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// -----------------------------------------------------------------------------
// Transition Primitives
// -----------------------------------------------------------------------------

func (p *PostgresStore) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	defer observeOp("reserve")()
	if req.EstimateMicro <= 0 {
		return nil, ErrInvalidEstimate
	}
	if req.TTL <= 0 {
		req.TTL = time.Minute
	}

	var result *ReserveResult
	var appended *Event

	err := p.runTx(ctx, "reserve", func(tx *sql.Tx) error {
		result, appended = nil, nil

		existing, err := getExecutionTx(ctx, tx, req.ExecutionID, false)
		if err != nil && !errors.Is(err, ErrExecutionNotFound) {
			return err
		}
		if existing != nil {
			result = resolveExisting(existing, req)
			return nil
		}

		// Lock the agent row; all budget math happens under this lock.
		var budget, spent, reserved int64
		err = tx.QueryRowContext(ctx, `
			SELECT budget_micro, spent_micro, reserved_micro
			FROM agents WHERE id = $1 FOR UPDATE
		`, req.AgentID).Scan(&budget, &spent, &reserved)
		if err == sql.ErrNoRows {
			return ErrAgentNotFound
		}
		if err != nil {
			return fmt.Errorf("lock agent: %w", err)
		}

		now := p.now().UTC()
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

		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (execution_id, agent_id, idempotency_key, request_hash,
				route, model, provider, state, reserve_micro, decision_hash, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, 'RESERVING', $8, NULLIF($9, ''), $10)
		`, ex.ExecutionID, ex.AgentID, ex.IdempotencyKey, ex.RequestHash,
			ex.Route, ex.Model, ex.Provider, ex.ReserveMicro, ex.DecisionHash, now)
		if err != nil {
			if isUniqueViolation(err) {
				return errConcurrentInsert
			}
			return fmt.Errorf("insert execution: %w", err)
		}

		if spent+reserved+req.EstimateMicro > budget {
			remaining := budget - spent - reserved
			ex.State = StateDenied
			ex.StatusCode = 402
			ex.ResponseCache = BudgetDeniedBody(req.EstimateMicro, remaining)
			ex.TerminalAt = &now

			_, err = tx.ExecContext(ctx, `
				UPDATE executions SET state = 'DENIED', status_code = 402,
					response_cache = $2, terminal_at = $3
				WHERE execution_id = $1
			`, ex.ExecutionID, ex.ResponseCache, now)
			if err != nil {
				return fmt.Errorf("deny execution: %w", err)
			}

			appended, err = p.appendEventTx(ctx, tx, EventDenyBudget, ex.ExecutionID,
				denyBudgetPayload(ex, req.EstimateMicro, remaining))
			if err != nil {
				return err
			}
			result = &ReserveResult{
				Outcome:        OutcomeBudgetExceeded,
				Execution:      ex,
				EstimateMicro:  req.EstimateMicro,
				RemainingMicro: remaining,
			}
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET reserved_micro = reserved_micro + $2, updated_at = NOW()
			WHERE id = $1
		`, req.AgentID, req.EstimateMicro)
		if err != nil {
			return fmt.Errorf("hold reserve: %w", err)
		}

		ex.State = StateReserved
		_, err = tx.ExecContext(ctx, `
			UPDATE executions SET state = 'RESERVED' WHERE execution_id = $1
		`, ex.ExecutionID)
		if err != nil {
			return fmt.Errorf("mark reserved: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations (execution_id, agent_id, reserved_micro, state, expires_at, version)
			VALUES ($1, $2, $3, 'RESERVED', $4, 1)
		`, ex.ExecutionID, ex.AgentID, req.EstimateMicro, now.Add(req.TTL))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		appended, err = p.appendEventTx(ctx, tx, EventReserve, ex.ExecutionID, reservePayload(ex))
		if err != nil {
			return err
		}
		result = &ReserveResult{
			Outcome:       OutcomeReserved,
			Execution:     ex,
			EstimateMicro: req.EstimateMicro,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Outcome == OutcomeReserved {
		observeMicroFlow("reserved", req.EstimateMicro)
	}
	p.emit(appended)
	return result, nil
}

func (p *PostgresStore) MarkDispatched(ctx context.Context, executionID string, extend time.Duration) error {
	defer observeOp("mark_dispatched")()

	var appended *Event
	err := p.runTx(ctx, "mark_dispatched", func(tx *sql.Tx) error {
		appended = nil

		ex, err := getExecutionTx(ctx, tx, executionID, true)
		if err != nil {
			return err
		}
		if ex.State != StateReserved {
			return ErrInvalidState
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE executions SET state = 'DISPATCHED' WHERE execution_id = $1
		`, executionID)
		if err != nil {
			return fmt.Errorf("mark dispatched: %w", err)
		}

		expiry := p.now().UTC().Add(extend)
		_, err = tx.ExecContext(ctx, `
			UPDATE reservations SET state = 'DISPATCHED',
				expires_at = GREATEST(expires_at, $2), version = version + 1
			WHERE execution_id = $1 AND state IN ('RESERVED', 'DISPATCHED')
		`, executionID, expiry)
		if err != nil {
			return fmt.Errorf("extend reservation: %w", err)
		}

		ex.State = StateDispatched
		appended, err = p.appendEventTx(ctx, tx, EventDispatch, executionID, dispatchPayload(ex))
		return err
	})
	if err != nil {
		return err
	}
	p.emit(appended)
	return nil
}

func (p *PostgresStore) ExtendReservation(ctx context.Context, executionID string, extend time.Duration) error {
	if extend <= 0 {
		return nil
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET expires_at = GREATEST(expires_at, $2), version = version + 1
		WHERE execution_id = $1 AND state IN ('RESERVED', 'DISPATCHED')
	`, executionID, p.now().UTC().Add(extend))
	if err != nil {
		return fmt.Errorf("extend reservation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (p *PostgresStore) Commit(ctx context.Context, req CommitRequest) error {
	defer observeOp("commit")()

	var appended *Event
	var settled, refunded int64

	err := p.runTx(ctx, "commit", func(tx *sql.Tx) error {
		appended = nil

		ex, err := getExecutionTx(ctx, tx, req.ExecutionID, true)
		if err != nil {
			return err
		}
		if ex.State == StateCommitted {
			return nil
		}
		if ex.State != StateDispatched {
			return ErrInvalidState
		}

		// Claim the live reservation; losing this CAS means another path
		// already settled the ticket.
		var reserve int64
		err = tx.QueryRowContext(ctx, `
			UPDATE reservations SET state = 'COMMITTED', version = version + 1
			WHERE execution_id = $1 AND state IN ('RESERVED', 'DISPATCHED')
			RETURNING reserved_micro
		`, req.ExecutionID).Scan(&reserve)
		if err == sql.ErrNoRows {
			return ErrInvalidState
		}
		if err != nil {
			return fmt.Errorf("claim reservation: %w", err)
		}

		var budget, spent, held int64
		err = tx.QueryRowContext(ctx, `
			SELECT budget_micro, spent_micro, reserved_micro
			FROM agents WHERE id = $1 FOR UPDATE
		`, ex.AgentID).Scan(&budget, &spent, &held)
		if err != nil {
			return fmt.Errorf("lock agent: %w", err)
		}

		settle, overrun := clampCommit(p.opts.overrun(), reserve, req.ActualMicro, budget-spent-held)

		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET reserved_micro = reserved_micro - $2,
				spent_micro = spent_micro + $3, updated_at = NOW()
			WHERE id = $1
		`, ex.AgentID, reserve, settle)
		if err != nil {
			return fmt.Errorf("settle balances: %w", err)
		}

		status := req.StatusCode
		if status == 0 {
			status = 200
		}
		now := p.now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE executions SET state = 'COMMITTED', commit_micro = $2,
				response_cache = $3, status_code = $4, terminal_at = $5
			WHERE execution_id = $1
		`, req.ExecutionID, settle, req.ResponseBody, status, now)
		if err != nil {
			return fmt.Errorf("commit execution: %w", err)
		}

		ex.CommitMicro = settle
		settled, refunded = settle, reserve-settle
		appended, err = p.appendEventTx(ctx, tx, EventCommit, req.ExecutionID,
			commitPayload(ex, req, settle, overrun))
		return err
	})
	if err != nil {
		return err
	}
	observeMicroFlow("committed", settled)
	observeMicroFlow("refunded", refunded)
	p.emit(appended)
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, executionID, reason string, statusCode int) error {
	defer observeOp("release")()
	return p.terminate(ctx, executionID, StateReleased, statusCode, nil, reason)
}

func (p *PostgresStore) Fail(ctx context.Context, executionID string, statusCode int, errorBody []byte, reason string) error {
	defer observeOp("fail")()
	return p.terminate(ctx, executionID, StateFailed, statusCode, errorBody, reason)
}

// terminate is the shared Release/Fail transaction: refund whatever the
// live reservation still holds and park the execution terminally. No-op on
// already-terminal rows.
func (p *PostgresStore) terminate(ctx context.Context, executionID string, to State, statusCode int, errorBody []byte, reason string) error {
	reason = truncateReason(reason, 512)

	var appended *Event
	var refunded int64

	err := p.runTx(ctx, "terminate", func(tx *sql.Tx) error {
		appended, refunded = nil, 0

		ex, err := getExecutionTx(ctx, tx, executionID, true)
		if err != nil {
			return err
		}
		if ex.State.Terminal() {
			return nil
		}

		var refund int64
		err = tx.QueryRowContext(ctx, `
			UPDATE reservations SET state = $2, version = version + 1
			WHERE execution_id = $1 AND state IN ('RESERVED', 'DISPATCHED')
			RETURNING reserved_micro
		`, executionID, string(to)).Scan(&refund)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("close reservation: %w", err)
		}

		if refund > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE agents SET reserved_micro = reserved_micro - $2, updated_at = NOW()
				WHERE id = $1
			`, ex.AgentID, refund)
			if err != nil {
				return fmt.Errorf("refund reserve: %w", err)
			}
		}

		now := p.now().UTC()
		if to == StateReleased {
			_, err = tx.ExecContext(ctx, `
				UPDATE executions SET state = 'RELEASED', release_micro = $2,
					status_code = COALESCE(NULLIF($3, 0), status_code), terminal_at = $4
				WHERE execution_id = $1
			`, executionID, refund, statusCode, now)
			if err != nil {
				return fmt.Errorf("release execution: %w", err)
			}
			refunded = refund
			appended, err = p.appendEventTx(ctx, tx, EventRelease, executionID,
				releasePayload(ex, refund, reason))
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE executions SET state = 'FAILED',
				response_cache = COALESCE($2, response_cache),
				status_code = COALESCE(NULLIF($3, 0), status_code), terminal_at = $4
			WHERE execution_id = $1
		`, executionID, errorBody, statusCode, now)
		if err != nil {
			return fmt.Errorf("fail execution: %w", err)
		}
		refunded = refund
		appended, err = p.appendEventTx(ctx, tx, EventFail, executionID,
			failPayload(ex, refund, statusCode, reason))
		return err
	})
	if err != nil {
		return err
	}
	observeMicroFlow("refunded", refunded)
	p.emit(appended)
	return nil
}

func (p *PostgresStore) Deny(ctx context.Context, req DenyRequest) error {
	defer observeOp("deny")()

	var appended *Event
	err := p.runTx(ctx, "deny", func(tx *sql.Tx) error {
		appended = nil

		_, err := getExecutionTx(ctx, tx, req.ExecutionID, false)
		if err == nil {
			return nil // already recorded
		}
		if !errors.Is(err, ErrExecutionNotFound) {
			return err
		}

		now := p.now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (execution_id, agent_id, idempotency_key, request_hash,
				route, model, state, status_code, response_cache, decision_hash, created_at, terminal_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, 'DENIED', $7, $8, NULLIF($9, ''), $10, $10)
		`, req.ExecutionID, req.AgentID, req.IdempotencyKey, req.RequestHash,
			req.Route, req.Model, req.StatusCode, req.ErrorBody, req.DecisionHash, now)
		if err != nil {
			if isUniqueViolation(err) {
				return errConcurrentInsert
			}
			return fmt.Errorf("insert denial: %w", err)
		}

		appended, err = p.appendEventTx(ctx, tx, req.EventType, req.ExecutionID, denyPayload(req))
		return err
	})
	if err != nil {
		return err
	}
	p.emit(appended)
	return nil
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

func (p *PostgresStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = $1`, executionID)
	return scanExecution(row)
}

func (p *PostgresStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []any{}
	n := 0

	if f.AgentID != "" {
		n++
		query += fmt.Sprintf(" AND agent_id = $%d", n)
		args = append(args, f.AgentID)
	}
	if f.State != "" {
		n++
		query += fmt.Sprintf(" AND state = $%d", n)
		args = append(args, string(f.State))
	}
	if f.Cursor != "" {
		// Keyset pagination: rows strictly after the cursor row in
		// (created_at DESC, execution_id ASC) order.
		n++
		query += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM executions c WHERE c.execution_id = $%d
			AND (executions.created_at < c.created_at
				OR (executions.created_at = c.created_at AND executions.execution_id > c.execution_id)))`, n)
		args = append(args, f.Cursor)
	}

	n++
	query += fmt.Sprintf(" ORDER BY created_at DESC, execution_id ASC LIMIT $%d", n)
	args = append(args, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].ExecutionID
	}
	return out, next, nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, scope string, afterSeq int64, limit int) ([]*Event, error) {
	if scope == "" {
		scope = p.opts.scope()
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, chain_scope, COALESCE(execution_id, ''), event_type, payload,
			prev_hash, event_hash, recorded_at
		FROM event_log
		WHERE chain_scope = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, scope, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.ChainScope, &e.ExecutionID, &e.EventType,
			&payload, &e.PrevHash, &e.EventHash, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListNonTerminal(ctx context.Context, before time.Time) ([]*Execution, error) {
	if before.IsZero() {
		before = p.now().UTC().Add(time.Hour)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE state IN ('RESERVING', 'RESERVED', 'DISPATCHED') AND created_at < $1
		ORDER BY execution_id
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ExpiredReservations(ctx context.Context, now time.Time) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT execution_id, agent_id, reserved_micro, state, expires_at, version
		FROM reservations
		WHERE state IN ('RESERVED', 'DISPATCHED') AND expires_at < $1
		ORDER BY execution_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Reservation
	for rows.Next() {
		var r Reservation
		var state string
		if err := rows.Scan(&r.ExecutionID, &r.AgentID, &r.ReservedMicro, &state,
			&r.ExpiresAt, &r.Version); err != nil {
			return nil, err
		}
		r.State = State(state)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Chain Append
// -----------------------------------------------------------------------------

// appendEventTx links one event onto the scope chain inside tx. The chain
// head row is locked FOR UPDATE so appends within a scope are linear even
// across processes.
func (p *PostgresStore) appendEventTx(ctx context.Context, tx *sql.Tx, eventType, executionID string, payload map[string]any) (*Event, error) {
	scope := p.opts.scope()

	var head *Event
	var seq int64
	var hash string
	err := tx.QueryRowContext(ctx, `
		SELECT seq, event_hash FROM event_log
		WHERE chain_scope = $1
		ORDER BY seq DESC LIMIT 1
		FOR UPDATE
	`, scope).Scan(&seq, &hash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lock chain head: %w", err)
	}
	if err == nil {
		head = &Event{Seq: seq, EventHash: hash}
	}

	ev, err := nextEvent(head, scope, executionID, eventType, payload)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_log (seq, chain_scope, execution_id, event_type, payload,
			prev_hash, event_hash, recorded_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, ev.Seq, ev.ChainScope, ev.ExecutionID, ev.EventType, string(ev.Payload),
		ev.PrevHash, ev.EventHash, ev.RecordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Two scopes' genesis events racing; retry linearizes them.
			return nil, errConcurrentInsert
		}
		return nil, fmt.Errorf("append event: %w", err)
	}
	observeEventAppend(eventType)
	return ev, nil
}

func (p *PostgresStore) emit(ev *Event) {
	if ev == nil || p.opts.EventSink == nil {
		return
	}
	p.opts.EventSink(*ev)
}

// getExecutionTx reads one execution inside tx, optionally locking the row
// for the rest of the transaction.
func getExecutionTx(ctx context.Context, tx *sql.Tx, executionID string, forUpdate bool) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE execution_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanExecution(tx.QueryRowContext(ctx, query, executionID))
}

// scanner abstracts *sql.Row and *sql.Rows for scanExecution.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var state string
	var cache []byte
	var terminalAt sql.NullTime

	err := row.Scan(&e.ExecutionID, &e.AgentID, &e.IdempotencyKey, &e.RequestHash,
		&e.Route, &e.Model, &e.Provider, &state, &e.ReserveMicro, &e.CommitMicro,
		&e.ReleaseMicro, &cache, &e.StatusCode, &e.DecisionHash, &e.CreatedAt, &terminalAt)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	e.State = State(state)
	e.ResponseCache = cache
	if terminalAt.Valid {
		t := terminalAt.Time
		e.TerminalAt = &t
	}
	return &e, nil
}
