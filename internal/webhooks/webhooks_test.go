package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/internal/ledger"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher skips SSRF checks so localhost test servers work,
// and keeps retry delays tiny.
func newTestDispatcher(store Store, cfg RetryConfig) *Dispatcher {
	d := NewDispatcherWithRetry(store, cfg)
	d.urlValidator = noopValidator
	return d
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		MaxFailures: 50,
	}
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventBudgetCommitted},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); err != ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound after delete, got %v", err)
	}
	if err := store.Update(ctx, sub); err != ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound on update of deleted sub, got %v", err)
	}
}

func TestMemoryStoreGetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventBudgetCommitted, EventBudgetReleased}})
	store.Create(ctx, &Subscription{ID: "wh2", Events: []EventType{EventExecutionDenied}})
	store.Create(ctx, &Subscription{ID: "wh3", Events: []EventType{EventBudgetCommitted}})

	subs, _ := store.GetByEvent(ctx, EventBudgetCommitted)
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for budget.committed, got %d", len(subs))
	}
}

func TestMemoryStoreClonesOnRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventBudgetCommitted}, Active: true})

	got, _ := store.Get(ctx, "wh1")
	got.Active = false

	fresh, _ := store.Get(ctx, "wh1")
	if !fresh.Active {
		t.Error("Mutating a returned subscription must not touch the stored copy")
	}
}

// ---------------------------------------------------------------------------
// Event type and signature tests
// ---------------------------------------------------------------------------

func TestEventTypeValid(t *testing.T) {
	for _, et := range KnownEventTypes() {
		if !et.Valid() {
			t.Errorf("Expected %s to be valid", et)
		}
	}
	if EventType("payment.received").Valid() {
		t.Error("Unknown event type must not validate")
	}
}

func TestSign(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore(), fastRetry())

	payload := []byte(`{"type":"budget.committed","data":{}}`)
	secret := "test_secret_key"

	sig := d.sign(payload, secret)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
	if !VerifySignature(payload, secret, sig) {
		t.Error("VerifySignature must accept the dispatcher's own signature")
	}
	if VerifySignature(payload, "other_secret", sig) {
		t.Error("VerifySignature must reject a foreign secret")
	}
}

// ---------------------------------------------------------------------------
// Delivery tests
// ---------------------------------------------------------------------------

func TestDispatchSendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventBudgetCommitted},
		Active: true,
	})

	d := newTestDispatcher(store, fastRetry())
	if err := d.Dispatch(ctx, &Event{Type: EventBudgetCommitted, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestDispatchSkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventBudgetCommitted},
		Active: false,
	})

	d := newTestDispatcher(store, fastRetry())
	d.Dispatch(ctx, &Event{Type: EventBudgetCommitted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestDispatchFiltersByAgent(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh_a", AgentID: "ag_a", URL: server.URL, Events: []EventType{EventBudgetCommitted}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh_all", URL: server.URL, Events: []EventType{EventBudgetCommitted}, Active: true})

	d := newTestDispatcher(store, fastRetry())
	d.Dispatch(ctx, &Event{Type: EventBudgetCommitted, AgentID: "ag_b", Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	// Only the unscoped subscription matches an ag_b event.
	if received.Load() != 1 {
		t.Errorf("Expected 1 delivery, got %d", received.Load())
	}
}

func TestDeliveryHeadersAndSignature(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig, gotEvent, gotTimestamp string
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-AEX-Signature")
		gotEvent = r.Header.Get("X-AEX-Event")
		gotTimestamp = r.Header.Get("X-AEX-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	sub := &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventBudgetCommitted},
		Active: true,
		Secret: secret,
	}
	store.Create(ctx, sub)

	d := newTestDispatcher(store, fastRetry())
	d.send(ctx, sub, &Event{
		ID:        "evt_1",
		Type:      EventBudgetCommitted,
		Timestamp: time.Now(),
		Data:      map[string]any{"cost_micro": float64(700)},
	})

	mu.Lock()
	defer mu.Unlock()

	if gotEvent != "budget.committed" {
		t.Errorf("Expected event header budget.committed, got %s", gotEvent)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}
	if gotSig == "" {
		t.Fatal("Expected signature header")
	}
	if !VerifySignature(gotBody, secret, gotSig) {
		t.Error("Delivered signature must verify against the payload")
	}

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse webhook payload: %v", err)
	}
	if parsed.Type != EventBudgetCommitted {
		t.Errorf("Expected type budget.committed, got %s", parsed.Type)
	}
	if parsed.Data["cost_micro"] != float64(700) {
		t.Errorf("Expected cost_micro in data, got %v", parsed.Data)
	}
}

func TestDeliveryFailureUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	sub := &Subscription{ID: "wh1", URL: server.URL, Events: []EventType{EventBudgetCommitted}, Active: true}
	store.Create(ctx, sub)

	d := newTestDispatcher(store, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxFailures: 50})
	d.send(ctx, sub, &Event{Type: EventBudgetCommitted, Timestamp: time.Now()})

	got, _ := store.Get(ctx, "wh1")
	if got.LastError == "" {
		t.Error("Expected last_error to be set after 500 responses")
	}
	if got.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure recorded per event, got %d", got.ConsecutiveFailures)
	}
	if !got.Active {
		t.Error("One failed event must not disable the subscription")
	}
}

func TestDeliveryRetriesUntilSuccess(t *testing.T) {
	store := NewMemoryStore()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(502)
			return
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	sub := &Subscription{ID: "wh1", URL: server.URL, Events: []EventType{EventBudgetReleased}, Active: true}
	store.Create(ctx, sub)

	d := newTestDispatcher(store, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxFailures: 50})
	d.send(ctx, sub, &Event{Type: EventBudgetReleased, Timestamp: time.Now()})

	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
	got, _ := store.Get(ctx, "wh1")
	if got.LastSuccess == nil {
		t.Error("Expected last_success after eventual delivery")
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure streak reset, got %d", got.ConsecutiveFailures)
	}
}

func TestEndpointDisabledAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	sub := &Subscription{ID: "wh1", URL: server.URL, Events: []EventType{EventBudgetCommitted}, Active: true}
	store.Create(ctx, sub)

	d := newTestDispatcher(store, RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxFailures: 2})
	d.send(ctx, sub, &Event{Type: EventBudgetCommitted, Timestamp: time.Now()})
	d.send(ctx, sub, &Event{Type: EventBudgetCommitted, Timestamp: time.Now()})

	got, _ := store.Get(ctx, "wh1")
	if got.Active {
		t.Error("Expected subscription disabled after hitting the failure ceiling")
	}
	if got.ConsecutiveFailures != 2 {
		t.Errorf("Expected 2 consecutive failures, got %d", got.ConsecutiveFailures)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newTestRouter(store Store) http.Handler {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	d := newTestDispatcher(store, fastRetry())
	NewHandler(store, d).RegisterRoutes(router.Group("/admin"))
	return router
}

func TestSubscriptionHandlerCRUD(t *testing.T) {
	store := NewMemoryStore()
	router := newTestRouter(store)

	body := `{"url":"https://hooks.example.com/aex","events":["budget.committed","execution.failed"]}`
	req := httptest.NewRequest(http.MethodPost, "/admin/webhooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Subscription Subscription `json:"subscription"`
		Secret       string       `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse create response: %v", err)
	}
	if created.Secret == "" {
		t.Error("Expected the signing secret in the create response")
	}
	if len(created.Subscription.Events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(created.Subscription.Events))
	}

	// The secret is never serialized on reads.
	req = httptest.NewRequest(http.MethodGet, "/admin/webhooks/"+created.Subscription.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), created.Secret) {
		t.Error("Secret must not appear in read responses")
	}

	// Deactivate via PATCH.
	req = httptest.NewRequest(http.MethodPatch, "/admin/webhooks/"+created.Subscription.ID, strings.NewReader(`{"active":false}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := store.Get(context.Background(), created.Subscription.ID)
	if got.Active {
		t.Error("Expected subscription deactivated")
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/webhooks/"+created.Subscription.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/webhooks/"+created.Subscription.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestCreateSubscriptionRejectsUnknownEvent(t *testing.T) {
	router := newTestRouter(NewMemoryStore())

	body := `{"url":"https://hooks.example.com/aex","events":["payment.received"]}`
	req := httptest.NewRequest(http.MethodPost, "/admin/webhooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown event type, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid_events") {
		t.Errorf("Expected invalid_events error, got %s", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Emitter tests
// ---------------------------------------------------------------------------

func TestEmitterSinkMapsLedgerEvents(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var bodies [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventBudgetCommitted},
		Active: true,
	})

	d := newTestDispatcher(store, fastRetry())
	em := NewEmitter(d, nil)
	sink := em.Sink()

	sink(ledger.Event{
		Seq:         7,
		ChainScope:  ledger.DefaultChainScope,
		ExecutionID: "ex_hook",
		EventType:   ledger.EventCommit,
		Payload:     json.RawMessage(`{"agent_id":"ag_hook","cost_micro":700}`),
		RecordedAt:  time.Now(),
	})
	// Dispatch transitions carry no webhook class and must be ignored.
	sink(ledger.Event{
		Seq:        8,
		EventType:  ledger.EventDispatch,
		Payload:    json.RawMessage(`{"agent_id":"ag_hook"}`),
		RecordedAt: time.Now(),
	})

	em.Drain(ctx)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(bodies))
	}

	var parsed Event
	if err := json.Unmarshal(bodies[0], &parsed); err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if parsed.Type != EventBudgetCommitted {
		t.Errorf("Expected budget.committed, got %s", parsed.Type)
	}
	if parsed.AgentID != "ag_hook" {
		t.Errorf("Expected agent from payload, got %q", parsed.AgentID)
	}
	if parsed.Data["execution_id"] != "ex_hook" {
		t.Errorf("Expected execution_id in data, got %v", parsed.Data)
	}
	if parsed.Data["seq"] != float64(7) {
		t.Errorf("Expected seq in data, got %v", parsed.Data)
	}
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventBudgetReserved},
		Active: true,
	})

	d := newTestDispatcher(store, fastRetry())
	em := NewEmitter(d, nil, WithQueueDepth(1))
	sink := em.Sink()

	// Nothing drains between the two: the second enqueue must drop.
	for i := 0; i < 2; i++ {
		sink(ledger.Event{
			Seq:        int64(i + 1),
			EventType:  ledger.EventReserve,
			Payload:    json.RawMessage(`{"agent_id":"ag_full","estimated_micro":100}`),
			RecordedAt: time.Now(),
		})
	}

	em.Drain(ctx)
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected exactly 1 delivery after drop, got %d", received.Load())
	}
}
