package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps rate windows in the rate_events table. Pruning
// happens inside the check so the table stays one window deep per agent.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rate window store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Window(ctx context.Context, agentID string, cutoff time.Time) (WindowTotals, error) {
	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM rate_events WHERE agent_id = $1 AND at < $2
	`, agentID, cutoff); err != nil {
		return WindowTotals{}, fmt.Errorf("failed to prune rate events: %w", err)
	}

	var totals WindowTotals
	var oldest sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(tokens), 0), MIN(at)
		FROM rate_events
		WHERE agent_id = $1 AND at >= $2
	`, agentID, cutoff).Scan(&totals.Requests, &totals.Tokens, &oldest)
	if err != nil {
		return WindowTotals{}, fmt.Errorf("failed to read rate window: %w", err)
	}
	if oldest.Valid {
		totals.Oldest = oldest.Time
	}
	return totals, nil
}

func (p *PostgresStore) Append(ctx context.Context, agentID string, at time.Time, requests int, tokens int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rate_events (agent_id, at, requests, tokens)
		VALUES ($1, $2, $3, $4)
	`, agentID, at, requests, tokens)
	if err != nil {
		return fmt.Errorf("failed to append rate event: %w", err)
	}
	return nil
}
