// Package webhooks notifies external services about settlement
// lifecycle events. Operators subscribe URLs to event types; the
// dispatcher posts signed JSON deliveries with bounded retries and
// disables endpoints that fail continuously.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aexlabs/aex/internal/security"
)

// ErrSubscriptionNotFound is returned for unknown subscription IDs.
var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// EventType is a webhook event class.
type EventType string

const (
	EventBudgetReserved  EventType = "budget.reserved"
	EventBudgetCommitted EventType = "budget.committed"
	EventBudgetReleased  EventType = "budget.released"
	EventExecutionDenied EventType = "execution.denied"
	EventExecutionFailed EventType = "execution.failed"
)

// KnownEventTypes lists every subscribable event type.
func KnownEventTypes() []EventType {
	return []EventType{
		EventBudgetReserved,
		EventBudgetCommitted,
		EventBudgetReleased,
		EventExecutionDenied,
		EventExecutionFailed,
	}
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventBudgetReserved, EventBudgetCommitted, EventBudgetReleased,
		EventExecutionDenied, EventExecutionFailed:
		return true
	}
	return false
}

// Event is one webhook delivery payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is one registered webhook endpoint. AgentID narrows the
// subscription to a single agent's events; empty means all agents.
type Subscription struct {
	ID                  string      `json:"id"`
	AgentID             string      `json:"agent_id,omitempty"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC signing key, shown once at creation
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"created_at"`
	LastSuccess         *time.Time  `json:"last_success,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures,omitempty"`
}

// Matches reports whether the subscription wants this event.
func (s *Subscription) Matches(ev *Event) bool {
	if s.AgentID != "" && s.AgentID != ev.AgentID {
		return false
	}
	for _, et := range s.Events {
		if et == ev.Type {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig bounds delivery retries per event and endpoint health.
type RetryConfig struct {
	MaxAttempts int           // delivery attempts per event
	BaseDelay   time.Duration // first backoff step, doubled per attempt
	MaxDelay    time.Duration // backoff ceiling
	MaxFailures int           // consecutive failures before auto-disable
}

// DefaultRetryConfig is the delivery policy used when none is given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		MaxFailures: 50,
	}
}

// deliveryTimeout caps one subscription's whole retry sequence.
const deliveryTimeout = 60 * time.Second

// Dispatcher fans events out to matching subscriptions: signed POST,
// bounded retries, last_success/last_error bookkeeping.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        RetryConfig
	logger       *slog.Logger
	urlValidator func(string) error
}

// NewDispatcher creates a dispatcher with the default retry policy.
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig())
}

// NewDispatcherWithRetry creates a dispatcher with an explicit retry
// policy.
func NewDispatcherWithRetry(store Store, cfg RetryConfig) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		retry:        cfg,
		logger:       slog.Default(),
		urlValidator: security.ValidateEndpointURL,
	}
}

// SetLogger replaces the dispatcher's logger.
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// ValidateURL checks a subscription URL against the dispatcher's SSRF
// policy.
func (d *Dispatcher) ValidateURL(rawURL string) error {
	return d.urlValidator(rawURL)
}

// Dispatch fans an event out to every matching active subscription.
// Deliveries run concurrently, each under its own timeout so a slow
// endpoint cannot stall the others.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("webhooks: list subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Matches(event) {
			continue
		}
		go func(sub *Subscription) {
			sctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			d.send(sctx, sub, event)
		}(sub)
	}
	return nil
}

// send attempts delivery with exponential backoff, then records the
// final outcome on the subscription.
func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub.ID, "marshal event: "+err.Error())
		return
	}

	delay := d.retry.BaseDelay
	var lastErr string
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				d.recordFailure(ctx, sub.ID, lastErr)
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > d.retry.MaxDelay {
				delay = d.retry.MaxDelay
			}
		}

		err := d.deliver(ctx, sub, event, payload)
		if err == nil {
			d.recordSuccess(ctx, sub.ID)
			return
		}
		lastErr = err.Error()
	}
	d.recordFailure(ctx, sub.ID, lastErr)
}

// deliver performs one signed POST.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AEX-Event", string(event.Type))
	req.Header.Set("X-AEX-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set("X-AEX-Signature", d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// sign computes the hex HMAC-SHA256 of the payload.
func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received X-AEX-Signature against the payload
// and secret. Receivers use this to authenticate deliveries.
func VerifySignature(payload []byte, secret, signature string) bool {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	want := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, id string) {
	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return // deleted mid-flight
	}
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook bookkeeping update failed", "subscription", id, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, id, errMsg string) {
	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return
	}
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"subscription", id,
			"url", sub.URL,
			"consecutive_failures", sub.ConsecutiveFailures,
		)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook bookkeeping update failed", "subscription", id, "error", err)
	}
}

// -----------------------------------------------------------------------------
// In-memory store
// -----------------------------------------------------------------------------

// MemoryStore is the non-persistent store used by tests and DB-less
// deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

var _ Store = (*MemoryStore)(nil)

func cloneSubscription(sub *Subscription) *Subscription {
	cp := *sub
	cp.Events = append([]EventType(nil), sub.Events...)
	if sub.LastSuccess != nil {
		ts := *sub.LastSuccess
		cp.LastSuccess = &ts
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return cloneSubscription(sub), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				out = append(out, cloneSubscription(sub))
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	m.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
