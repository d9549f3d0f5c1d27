package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/aexlabs/aex/internal/idgen"
)

// TokenPrefix marks tokens minted by this gateway.
const TokenPrefix = "aex_"

// minTokenHexChars is the entropy floor: 32 hex chars = 128 bits.
const minTokenHexChars = 32

// Manager handles agent lifecycle and bearer-token authentication.
type Manager struct {
	store Store
}

// NewManager creates a new agent manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Store exposes the underlying store for wiring.
func (m *Manager) Store() Store { return m.store }

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Create registers a new agent and mints its token.
// Returns the raw token, which is shown exactly once.
func (m *Manager) Create(ctx context.Context, req CreateAgentRequest) (*Agent, string, error) {
	scope := ScopeExecution
	if req.Scope != "" {
		scope = Scope(req.Scope)
		if !scope.Valid() {
			return nil, "", ErrInvalidScope
		}
	}
	if req.BudgetMicro < 0 {
		return nil, "", ErrBudgetBelowCommitted
	}

	caps := Capabilities{Streaming: true}
	if req.Capabilities != nil {
		caps = *req.Capabilities
	}

	raw, hash := mintToken()
	a := &Agent{
		ID:             idgen.WithPrefix("ag_"),
		Name:           req.Name,
		TokenHash:      hash,
		TokenExpiresAt: ttlToExpiry(req.TokenTTLSeconds),
		Scope:          scope,
		BudgetMicro:    req.BudgetMicro,
		RPMLimit:       req.RPMLimit,
		TPMLimit:       req.TPMLimit,
		Capabilities:   caps,
	}

	if err := m.store.Create(ctx, a); err != nil {
		return nil, "", err
	}
	return a, raw, nil
}

// Get retrieves an agent by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Agent, error) {
	return m.store.Get(ctx, id)
}

// GetByName retrieves an agent by its unique name.
func (m *Manager) GetByName(ctx context.Context, name string) (*Agent, error) {
	return m.store.GetByName(ctx, name)
}

// List returns every registered agent.
func (m *Manager) List(ctx context.Context) ([]*Agent, error) {
	return m.store.List(ctx)
}

// Patch applies the non-nil fields of req to the named agent.
// Budget cannot drop below spent + reserved.
func (m *Manager) Patch(ctx context.Context, name string, req UpdateAgentRequest) (*Agent, error) {
	a, err := m.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if req.Scope != nil {
		scope := Scope(*req.Scope)
		if !scope.Valid() {
			return nil, ErrInvalidScope
		}
		a.Scope = scope
	}
	if req.BudgetMicro != nil {
		if *req.BudgetMicro < a.SpentMicro+a.ReservedMicro {
			return nil, ErrBudgetBelowCommitted
		}
		a.BudgetMicro = *req.BudgetMicro
	}
	if req.RPMLimit != nil {
		a.RPMLimit = *req.RPMLimit
	}
	if req.TPMLimit != nil {
		a.TPMLimit = *req.TPMLimit
	}
	if req.Capabilities != nil {
		a.Capabilities = *req.Capabilities
	}

	if err := m.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// RotateToken mints a replacement token for the named agent.
// The previous token (hashed or legacy) stops working immediately.
func (m *Manager) RotateToken(ctx context.Context, name string, ttlSeconds int64) (*Agent, string, error) {
	a, err := m.store.GetByName(ctx, name)
	if err != nil {
		return nil, "", err
	}

	raw, hash := mintToken()
	expiresAt := ttlToExpiry(ttlSeconds)
	if err := m.store.UpdateToken(ctx, a.ID, hash, expiresAt); err != nil {
		return nil, "", err
	}

	a.TokenHash = hash
	a.LegacyToken = ""
	a.TokenExpiresAt = expiresAt
	return a, raw, nil
}

// Delete removes the named agent.
func (m *Manager) Delete(ctx context.Context, name string) error {
	a, err := m.store.GetByName(ctx, name)
	if err != nil {
		return err
	}
	return m.store.Delete(ctx, a.ID)
}

// -----------------------------------------------------------------------------
// Authentication
// -----------------------------------------------------------------------------

// Authenticate resolves a bearer token to a Principal.
//
// The token is hashed and looked up by token_hash; rows predating hashed
// storage match by raw equality and get a deprecation warning. Tokens below
// the 128-bit entropy floor are rejected before any lookup.
func (m *Manager) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	if bearer == "" {
		return nil, ErrTokenMissing
	}

	raw := strings.TrimPrefix(bearer, "Bearer ")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMissing
	}

	if !hasMinEntropy(raw) {
		return nil, ErrTokenInvalid
	}

	a, err := m.store.GetByTokenHash(ctx, hashToken(raw))
	if err != nil {
		// Legacy rows store the raw token with no hash.
		a, err = m.store.GetByLegacyToken(ctx, raw)
		if err != nil {
			return nil, ErrTokenInvalid
		}
		slog.Warn("agent authenticated with legacy raw token, rotate it",
			"agent_id", a.ID, "agent", a.Name)
	}

	if a.TokenExpiresAt != nil && time.Now().After(*a.TokenExpiresAt) {
		return nil, ErrTokenExpired
	}

	// Update last activity (fire and forget)
	go func() {
		_ = m.store.TouchActivity(context.Background(), a.ID)
	}()

	return &Principal{
		AgentID:      a.ID,
		Name:         a.Name,
		Scope:        a.Scope,
		Capabilities: a.Capabilities,
	}, nil
}

// -----------------------------------------------------------------------------
// Token helpers
// -----------------------------------------------------------------------------

// mintToken returns a fresh raw token and its stored hash.
func mintToken() (raw, hash string) {
	raw = TokenPrefix + idgen.Hex(24)
	return raw, hashToken(raw)
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// hasMinEntropy checks the hex body of the token against the entropy floor.
func hasMinEntropy(raw string) bool {
	body := strings.TrimPrefix(raw, TokenPrefix)
	if len(body) < minTokenHexChars {
		return false
	}
	for _, c := range body {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func ttlToExpiry(ttlSeconds int64) *time.Time {
	if ttlSeconds <= 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	return &t
}
