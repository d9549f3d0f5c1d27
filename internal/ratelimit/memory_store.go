package ratelimit

import (
	"context"
	"sync"
	"time"
)

type rateEvent struct {
	at       time.Time
	requests int
	tokens   int64
}

// MemoryStore keeps rate windows as per-agent slices. It backs tests and
// the in-memory server; restarts lose the window, which only ever lets
// more traffic through.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]rateEvent
}

// NewMemoryStore creates an empty in-memory rate window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]rateEvent)}
}

// Window prunes expired entries in place and returns the totals.
func (s *MemoryStore) Window(_ context.Context, agentID string, cutoff time.Time) (WindowTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[agentID][:0]
	var totals WindowTotals
	for _, e := range s.events[agentID] {
		if e.at.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
		totals.Requests += e.requests
		totals.Tokens += e.tokens
		if totals.Oldest.IsZero() || e.at.Before(totals.Oldest) {
			totals.Oldest = e.at
		}
	}
	if len(kept) == 0 {
		delete(s.events, agentID)
	} else {
		s.events[agentID] = kept
	}
	return totals, nil
}

// Append records one event.
func (s *MemoryStore) Append(_ context.Context, agentID string, at time.Time, requests int, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[agentID] = append(s.events[agentID], rateEvent{at: at, requests: requests, tokens: tokens})
	return nil
}

var _ Store = (*MemoryStore)(nil)
