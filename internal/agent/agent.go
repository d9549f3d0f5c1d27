// Package agent implements caller identity for the gateway: the agent
// record with its budget counters and capability grants, bearer-token
// authentication, and the operator CRUD surface.
//
// Authentication model:
// - Execution endpoints (/v1/*): require a bearer token minted here
// - Admin endpoints (/admin/*): require the operator control key, not a token
// - Tokens are returned raw exactly once, at mint or rotation; only the
//   SHA-256 hash is stored
package agent

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrAgentNotFound        = errors.New("agent: not found")
	ErrAgentExists          = errors.New("agent: name already registered")
	ErrTokenMissing         = errors.New("agent: bearer token required")
	ErrTokenInvalid         = errors.New("agent: invalid token")
	ErrTokenExpired         = errors.New("agent: API token has expired")
	ErrInvalidScope         = errors.New("agent: scope must be execution or read-only")
	ErrBudgetBelowCommitted = errors.New("agent: budget below spent + reserved")
	ErrInsufficientBudget   = errors.New("agent: insufficient budget")
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Scope controls which surface a token may call.
type Scope string

const (
	// ScopeExecution permits the full /v1 execution surface.
	ScopeExecution Scope = "execution"
	// ScopeReadOnly permits reads (activity, replay) but no executions.
	ScopeReadOnly Scope = "read-only"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeExecution || s == ScopeReadOnly
}

// Capabilities are the per-agent grants the policy kernel enforces.
// Empty AllowedModels means every catalog model unless Strict is set.
type Capabilities struct {
	AllowedModels       []string `json:"allowed_models,omitempty"`
	Streaming           bool     `json:"streaming"`
	Tools               bool     `json:"tools"`
	Vision              bool     `json:"vision"`
	Strict              bool     `json:"strict"`
	AllowPassthrough    bool     `json:"allow_passthrough"`
	AllowedToolNames    []string `json:"allowed_tool_names,omitempty"`
	MaxInputTokens      int      `json:"max_input_tokens,omitempty"`
	MaxOutputTokens     int      `json:"max_output_tokens,omitempty"`
	MaxTokensPerRequest int      `json:"max_tokens_per_request,omitempty"`
}

// Agent is a registered caller with a budget and capability grants.
//
// Budget counters are in integer micro-units. The store layer enforces
// spent_micro + reserved_micro <= budget_micro and non-negativity; the
// settlement path is the only writer of the counters.
type Agent struct {
	// Identity
	ID   string `json:"agent_id"`
	Name string `json:"name"`

	// Credentials (never serialized)
	TokenHash      string     `json:"-"` // SHA-256 of the raw token, hex
	LegacyToken    string     `json:"-"` // pre-hash rows only; empty for new agents
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Scope          Scope      `json:"scope"`

	// Budget counters (micro-units)
	BudgetMicro   int64 `json:"budget_micro"`
	SpentMicro    int64 `json:"spent_micro"`
	ReservedMicro int64 `json:"reserved_micro"`

	// Rate limits (0 = unlimited)
	RPMLimit int `json:"rpm_limit"`
	TPMLimit int `json:"tpm_limit"`

	Capabilities Capabilities `json:"capabilities"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// AvailableMicro is the budget not yet spent or held by an open reservation.
func (a *Agent) AvailableMicro() int64 {
	return a.BudgetMicro - a.SpentMicro - a.ReservedMicro
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	AgentID      string       `json:"agent_id"`
	Name         string       `json:"name"`
	Scope        Scope        `json:"scope"`
	Capabilities Capabilities `json:"capabilities"`
}

// CanExecute reports whether the principal may call execution endpoints.
func (p *Principal) CanExecute() bool {
	return p.Scope == ScopeExecution
}

// -----------------------------------------------------------------------------
// Request Types
// -----------------------------------------------------------------------------

// CreateAgentRequest is the payload for registering an agent.
type CreateAgentRequest struct {
	Name            string        `json:"name" binding:"required"`
	Scope           string        `json:"scope,omitempty"`
	BudgetMicro     int64         `json:"budget_micro"`
	RPMLimit        int           `json:"rpm_limit,omitempty"`
	TPMLimit        int           `json:"tpm_limit,omitempty"`
	Capabilities    *Capabilities `json:"capabilities,omitempty"`
	TokenTTLSeconds int64         `json:"token_ttl_seconds,omitempty"`
}

// UpdateAgentRequest is the payload for PATCH; nil fields are left unchanged.
type UpdateAgentRequest struct {
	Scope        *string       `json:"scope,omitempty"`
	BudgetMicro  *int64        `json:"budget_micro,omitempty"`
	RPMLimit     *int          `json:"rpm_limit,omitempty"`
	TPMLimit     *int          `json:"tpm_limit,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// RotateTokenRequest optionally sets a TTL on the replacement token.
type RotateTokenRequest struct {
	TokenTTLSeconds int64 `json:"token_ttl_seconds,omitempty"`
}
