package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCreateMintsToken(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	a, raw, err := mgr.Create(ctx, CreateAgentRequest{
		Name:        "crawler",
		BudgetMicro: 1_000_000,
		RPMLimit:    60,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !strings.HasPrefix(raw, "aex_") {
		t.Errorf("Expected raw token to start with aex_, got %s", raw[:8])
	}
	if len(raw) != 52 { // "aex_" + 48 hex chars
		t.Errorf("Expected raw token length 52, got %d", len(raw))
	}
	if !strings.HasPrefix(a.ID, "ag_") {
		t.Errorf("Expected agent ID to start with ag_, got %s", a.ID)
	}
	if a.TokenHash == raw {
		t.Error("Stored hash should not equal raw token")
	}
	if a.Scope != ScopeExecution {
		t.Errorf("Expected default scope execution, got %s", a.Scope)
	}
	if !a.Capabilities.Streaming {
		t.Error("Expected default capabilities to permit streaming")
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, _, err := mgr.Create(ctx, CreateAgentRequest{Name: "x", Scope: "root"}); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("Expected ErrInvalidScope, got %v", err)
	}
	if _, _, err := mgr.Create(ctx, CreateAgentRequest{Name: "x", BudgetMicro: -1}); err == nil {
		t.Error("Expected error for negative budget")
	}

	if _, _, err := mgr.Create(ctx, CreateAgentRequest{Name: "dup"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, _, err := mgr.Create(ctx, CreateAgentRequest{Name: "DUP"}); !errors.Is(err, ErrAgentExists) {
		t.Errorf("Expected ErrAgentExists for case-insensitive duplicate, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	a, raw, err := mgr.Create(ctx, CreateAgentRequest{Name: "worker", BudgetMicro: 500})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Plain token
	p, err := mgr.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("Authenticate failed for valid token: %v", err)
	}
	if p.AgentID != a.ID {
		t.Errorf("Expected agent ID %s, got %s", a.ID, p.AgentID)
	}
	if p.Scope != ScopeExecution {
		t.Errorf("Expected execution scope, got %s", p.Scope)
	}

	// Bearer prefix
	if _, err := mgr.Authenticate(ctx, "Bearer "+raw); err != nil {
		t.Errorf("Authenticate failed with Bearer prefix: %v", err)
	}

	// Missing
	if _, err := mgr.Authenticate(ctx, ""); !errors.Is(err, ErrTokenMissing) {
		t.Errorf("Expected ErrTokenMissing, got %v", err)
	}
	if _, err := mgr.Authenticate(ctx, "Bearer "); !errors.Is(err, ErrTokenMissing) {
		t.Errorf("Expected ErrTokenMissing for blank bearer, got %v", err)
	}

	// Wrong token of valid shape
	if _, err := mgr.Authenticate(ctx, "aex_"+strings.Repeat("ab", 24)); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid for unknown token, got %v", err)
	}
}

func TestAuthenticateEntropyFloor(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	// Below 32 hex chars
	if _, err := mgr.Authenticate(ctx, "aex_abcdef"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid for short token, got %v", err)
	}
	// Non-hex body
	if _, err := mgr.Authenticate(ctx, "aex_"+strings.Repeat("zz", 24)); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid for non-hex token, got %v", err)
	}
}

func TestAuthenticateLegacyToken(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	// Simulate a pre-hash row: raw token stored, no hash.
	legacy := strings.Repeat("1f", 20) // 40 hex chars, above the floor
	a := &Agent{
		ID:          "ag_legacy",
		Name:        "legacy",
		LegacyToken: legacy,
		Scope:       ScopeExecution,
		BudgetMicro: 100,
	}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	p, err := mgr.Authenticate(ctx, legacy)
	if err != nil {
		t.Fatalf("Authenticate failed for legacy token: %v", err)
	}
	if p.AgentID != "ag_legacy" {
		t.Errorf("Expected ag_legacy, got %s", p.AgentID)
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	_, raw, err := mgr.Create(ctx, CreateAgentRequest{Name: "shortlived", TokenTTLSeconds: 3600})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Valid while inside the TTL
	if _, err := mgr.Authenticate(ctx, raw); err != nil {
		t.Fatalf("Authenticate failed inside TTL: %v", err)
	}

	// Force expiry
	a, _ := store.GetByName(ctx, "shortlived")
	past := time.Now().Add(-time.Minute)
	if err := store.UpdateToken(ctx, a.ID, a.TokenHash, &past); err != nil {
		t.Fatalf("UpdateToken failed: %v", err)
	}

	if _, err := mgr.Authenticate(ctx, raw); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestRotateToken(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	_, oldRaw, err := mgr.Create(ctx, CreateAgentRequest{Name: "rotator"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, newRaw, err := mgr.RotateToken(ctx, "rotator", 0)
	if err != nil {
		t.Fatalf("RotateToken failed: %v", err)
	}
	if newRaw == oldRaw {
		t.Error("Rotation should mint a different token")
	}

	// Old token stops working, new one works
	if _, err := mgr.Authenticate(ctx, oldRaw); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Expected old token to be invalid after rotation, got %v", err)
	}
	if _, err := mgr.Authenticate(ctx, newRaw); err != nil {
		t.Errorf("Authenticate failed for rotated token: %v", err)
	}
}

func TestRotateTokenClearsLegacy(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	legacy := strings.Repeat("2e", 20)
	if err := store.Create(ctx, &Agent{ID: "ag_old", Name: "old", LegacyToken: legacy}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, newRaw, err := mgr.RotateToken(ctx, "old", 0)
	if err != nil {
		t.Fatalf("RotateToken failed: %v", err)
	}

	if _, err := mgr.Authenticate(ctx, legacy); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Expected legacy token to stop working after rotation, got %v", err)
	}
	if _, err := mgr.Authenticate(ctx, newRaw); err != nil {
		t.Errorf("Authenticate failed for rotated token: %v", err)
	}
}

func TestPatchBudgetFloor(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	a, _, err := mgr.Create(ctx, CreateAgentRequest{Name: "budgeted", BudgetMicro: 10_000})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Simulate settled spend plus an open reservation
	if err := store.ApplyBalanceDelta(ctx, a.ID, 4_000, 2_000); err != nil {
		t.Fatalf("ApplyBalanceDelta failed: %v", err)
	}

	newBudget := int64(5_000) // below 4000 + 2000
	if _, err := mgr.Patch(ctx, "budgeted", UpdateAgentRequest{BudgetMicro: &newBudget}); !errors.Is(err, ErrBudgetBelowCommitted) {
		t.Errorf("Expected ErrBudgetBelowCommitted, got %v", err)
	}

	okBudget := int64(6_000)
	updated, err := mgr.Patch(ctx, "budgeted", UpdateAgentRequest{BudgetMicro: &okBudget})
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if updated.BudgetMicro != 6_000 {
		t.Errorf("Expected budget 6000, got %d", updated.BudgetMicro)
	}
	if updated.AvailableMicro() != 0 {
		t.Errorf("Expected zero available, got %d", updated.AvailableMicro())
	}
}

func TestPatchPartialFields(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, _, err := mgr.Create(ctx, CreateAgentRequest{Name: "partial", BudgetMicro: 100, RPMLimit: 10}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rpm := 99
	updated, err := mgr.Patch(ctx, "partial", UpdateAgentRequest{RPMLimit: &rpm})
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if updated.RPMLimit != 99 {
		t.Errorf("Expected RPM 99, got %d", updated.RPMLimit)
	}
	if updated.BudgetMicro != 100 {
		t.Errorf("Budget should be untouched, got %d", updated.BudgetMicro)
	}
}
