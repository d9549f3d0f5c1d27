package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
//
// The budget check constraints live on the agents table (see migrations), so
// counter updates that would break an invariant fail at the database even if
// a caller skips the pre-checks here.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

const agentColumns = `id, name, token_hash, legacy_token, token_expires_at, scope,
	budget_micro, spent_micro, reserved_micro, rpm_limit, tpm_limit,
	capabilities, created_at, updated_at, last_activity_at`

func (p *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, token_hash, legacy_token, token_expires_at, scope,
			budget_micro, spent_micro, reserved_micro, rpm_limit, tpm_limit,
			capabilities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, agent.ID, agent.Name, agent.TokenHash, agent.LegacyToken, agent.TokenExpiresAt,
		string(agent.Scope), agent.BudgetMicro, agent.SpentMicro, agent.ReservedMicro,
		agent.RPMLimit, agent.TPMLimit, caps, now)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrAgentExists
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (p *PostgresStore) GetByName(ctx context.Context, name string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE lower(name) = lower($1)`, name)
	return scanAgent(row)
}

func (p *PostgresStore) GetByTokenHash(ctx context.Context, hash string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token_hash = $1`, hash)
	return scanAgent(row)
}

func (p *PostgresStore) GetByLegacyToken(ctx context.Context, raw string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE legacy_token = $1 AND legacy_token <> ''
	`, raw)
	return scanAgent(row)
}

func (p *PostgresStore) List(ctx context.Context) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET name = $1, scope = $2, budget_micro = $3,
			rpm_limit = $4, tpm_limit = $5, capabilities = $6,
			token_expires_at = $7, updated_at = NOW()
		WHERE id = $8
	`, agent.Name, string(agent.Scope), agent.BudgetMicro,
		agent.RPMLimit, agent.TPMLimit, caps, agent.TokenExpiresAt, agent.ID)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrAgentExists
		}
		if strings.Contains(err.Error(), "check constraint") {
			return ErrBudgetBelowCommitted
		}
		return fmt.Errorf("failed to update agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateToken(ctx context.Context, id, tokenHash string, expiresAt *time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET token_hash = $1, legacy_token = '', token_expires_at = $2,
			updated_at = NOW()
		WHERE id = $3
	`, tokenHash, expiresAt, id)
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) TouchActivity(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE agents SET last_activity_at = NOW() WHERE id = $1
	`, id)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) ApplyBalanceDelta(ctx context.Context, id string, spentDelta, reservedDelta int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents
		SET spent_micro = spent_micro + $1,
		    reserved_micro = reserved_micro + $2,
		    updated_at = NOW()
		WHERE id = $3
		  AND spent_micro + $1 >= 0
		  AND reserved_micro + $2 >= 0
		  AND spent_micro + $1 + reserved_micro + $2 <= budget_micro
	`, spentDelta, reservedDelta, id)
	if err != nil {
		if strings.Contains(err.Error(), "check constraint") {
			return ErrInsufficientBudget
		}
		return fmt.Errorf("failed to apply balance delta: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Either the agent is missing or the guarded update found no headroom.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInsufficientBudget
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanAgent.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var scope string
	var caps []byte
	var tokenExpiresAt, lastActivityAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.Name, &a.TokenHash, &a.LegacyToken, &tokenExpiresAt, &scope,
		&a.BudgetMicro, &a.SpentMicro, &a.ReservedMicro, &a.RPMLimit, &a.TPMLimit,
		&caps, &a.CreatedAt, &a.UpdatedAt, &lastActivityAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}

	a.Scope = Scope(scope)
	if tokenExpiresAt.Valid {
		a.TokenExpiresAt = &tokenExpiresAt.Time
	}
	if lastActivityAt.Valid {
		a.LastActivityAt = &lastActivityAt.Time
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		slog.Warn("failed to unmarshal agent capabilities", "agent_id", a.ID, "error", err)
	}
	return &a, nil
}
