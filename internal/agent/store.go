package agent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Store Interface
// -----------------------------------------------------------------------------

// Store persists agent records. Budget counters are read through here but
// written by the ledger's settlement transactions (same agents table);
// ApplyBalanceDelta exists so non-SQL deployments share the invariant checks.
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByName(ctx context.Context, name string) (*Agent, error)
	GetByTokenHash(ctx context.Context, hash string) (*Agent, error)
	GetByLegacyToken(ctx context.Context, raw string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	Update(ctx context.Context, agent *Agent) error
	UpdateToken(ctx context.Context, id, tokenHash string, expiresAt *time.Time) error
	TouchActivity(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error

	// ApplyBalanceDelta atomically adjusts the budget counters, rejecting any
	// result that breaks spent + reserved <= budget or non-negativity.
	ApplyBalanceDelta(ctx context.Context, id string, spentDelta, reservedDelta int64) error
}

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent // id -> agent
	byName map[string]string // lower(name) -> id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Agent),
		byName: make(map[string]string),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(agent.Name)
	if _, exists := s.byName[key]; exists {
		return ErrAgentExists
	}

	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	cp := *agent
	s.agents[agent.ID] = &cp
	s.byName[key] = agent.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetByName(ctx context.Context, name string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byName[strings.ToLower(name)]
	if !exists {
		return nil, ErrAgentNotFound
	}
	cp := *s.agents[id]
	return &cp, nil
}

func (s *MemoryStore) GetByTokenHash(ctx context.Context, hash string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.TokenHash != "" && a.TokenHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (s *MemoryStore) GetByLegacyToken(ctx context.Context, raw string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.LegacyToken != "" && a.LegacyToken == raw {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (s *MemoryStore) List(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})
	return results, nil
}

func (s *MemoryStore) Update(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.agents[agent.ID]
	if !exists {
		return ErrAgentNotFound
	}
	if agent.SpentMicro+agent.ReservedMicro > agent.BudgetMicro {
		return ErrBudgetBelowCommitted
	}

	if !strings.EqualFold(existing.Name, agent.Name) {
		key := strings.ToLower(agent.Name)
		if _, taken := s.byName[key]; taken {
			return ErrAgentExists
		}
		delete(s.byName, strings.ToLower(existing.Name))
		s.byName[key] = agent.ID
	}

	agent.UpdatedAt = time.Now()
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateToken(ctx context.Context, id, tokenHash string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	a.TokenHash = tokenHash
	a.LegacyToken = ""
	a.TokenExpiresAt = expiresAt
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TouchActivity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	now := time.Now()
	a.LastActivityAt = &now
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	delete(s.byName, strings.ToLower(a.Name))
	delete(s.agents, id)
	return nil
}

func (s *MemoryStore) ApplyBalanceDelta(ctx context.Context, id string, spentDelta, reservedDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[id]
	if !exists {
		return ErrAgentNotFound
	}

	spent := a.SpentMicro + spentDelta
	reserved := a.ReservedMicro + reservedDelta
	if spent < 0 || reserved < 0 || spent+reserved > a.BudgetMicro {
		return ErrInsufficientBudget
	}

	a.SpentMicro = spent
	a.ReservedMicro = reserved
	a.UpdatedAt = time.Now()
	return nil
}
