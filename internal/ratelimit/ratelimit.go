// Package ratelimit enforces per-agent request and token budgets over
// true sliding 60-second windows.
//
// The durable store is the source of truth: every admitted request
// appends a row, and the check prunes expired rows before counting, so
// limits survive restarts. A Redis fast path can serve the counts from
// per-minute counters; any Redis failure falls back to the store
// silently. The package also carries a transport-level IP limiter used
// in the middleware chain ahead of authentication.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Window is the sliding window both limits are measured over.
const Window = 60 * time.Second

// Limits are one agent's per-minute allowances. Zero means unlimited.
type Limits struct {
	RPM int
	TPM int
}

// Unlimited reports whether neither window is bounded.
func (l Limits) Unlimited() bool {
	return l.RPM <= 0 && l.TPM <= 0
}

// DenyKind names which window rejected the request.
type DenyKind string

const (
	DenyRPM DenyKind = "rpm"
	DenyTPM DenyKind = "tpm"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Kind       DenyKind // set when denied
	Requests   int      // window totals including this request when allowed
	Tokens     int64
	Limit      int // the limit that denied
	RetryAfter time.Duration
}

// WindowTotals is what a store observed inside the current window.
type WindowTotals struct {
	Requests int
	Tokens   int64
	Oldest   time.Time // zero when the window is empty
}

// Store is the durable rate window.
type Store interface {
	// Window prunes the agent's entries older than cutoff and returns
	// the surviving totals.
	Window(ctx context.Context, agentID string, cutoff time.Time) (WindowTotals, error)
	// Append records an admission (requests=1) or a settlement token
	// top-up (requests=0).
	Append(ctx context.Context, agentID string, at time.Time, requests int, tokens int64) error
}

// Limiter answers admission-time rate checks and records usage.
type Limiter struct {
	store  Store
	fast   *RedisWindow
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRedis enables the Redis fast path for window reads and writes.
func WithRedis(w *RedisWindow) Option {
	return func(l *Limiter) { l.fast = w }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the time source. Tests use this to move the window.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a limiter over the durable store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow checks whether one more request carrying estTokens input tokens
// fits inside the agent's windows, and records it when it does. Agents
// with no limits skip the window entirely; nothing would ever read their
// rows.
func (l *Limiter) Allow(ctx context.Context, agentID string, lim Limits, estTokens int64) (*Decision, error) {
	if lim.Unlimited() {
		return &Decision{Allowed: true}, nil
	}

	now := l.now()
	cutoff := now.Add(-Window)

	totals, fromRedis := l.fastWindow(ctx, agentID, now)
	if !fromRedis {
		var err error
		totals, err = l.store.Window(ctx, agentID, cutoff)
		if err != nil {
			return nil, err
		}
	}

	if lim.RPM > 0 && totals.Requests+1 > lim.RPM {
		return &Decision{
			Kind:       DenyRPM,
			Requests:   totals.Requests,
			Tokens:     totals.Tokens,
			Limit:      lim.RPM,
			RetryAfter: retryAfter(totals.Oldest, now),
		}, nil
	}
	if lim.TPM > 0 && totals.Tokens+estTokens > int64(lim.TPM) {
		return &Decision{
			Kind:       DenyTPM,
			Requests:   totals.Requests,
			Tokens:     totals.Tokens,
			Limit:      lim.TPM,
			RetryAfter: retryAfter(totals.Oldest, now),
		}, nil
	}

	if err := l.record(ctx, agentID, now, 1, estTokens); err != nil {
		return nil, err
	}
	return &Decision{
		Allowed:  true,
		Requests: totals.Requests + 1,
		Tokens:   totals.Tokens + estTokens,
	}, nil
}

// AdjustEstimate corrects the token window when the admitted estimate
// changed after the check, e.g. a policy patch rewrote the prompt. The
// correction carries no request count and may be negative.
func (l *Limiter) AdjustEstimate(ctx context.Context, agentID string, lim Limits, delta int64) error {
	if delta == 0 || lim.Unlimited() {
		return nil
	}
	return l.record(ctx, agentID, l.now(), 0, delta)
}

// RecordSettled adds the completion tokens observed at settlement to the
// token window without counting a request. Token accounting stays honest
// for streams whose output was unknown at admission.
func (l *Limiter) RecordSettled(ctx context.Context, agentID string, lim Limits, completionTokens int64) error {
	if completionTokens <= 0 || lim.Unlimited() {
		return nil
	}
	return l.record(ctx, agentID, l.now(), 0, completionTokens)
}

func (l *Limiter) record(ctx context.Context, agentID string, at time.Time, requests int, tokens int64) error {
	if err := l.store.Append(ctx, agentID, at, requests, tokens); err != nil {
		return err
	}
	if l.fast != nil {
		if err := l.fast.Record(ctx, agentID, at, requests, tokens); err != nil {
			l.logger.Debug("redis rate record failed", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// fastWindow reads the Redis counters when configured. Any error means
// "use the store"; the durable rows remain the source of truth.
func (l *Limiter) fastWindow(ctx context.Context, agentID string, now time.Time) (WindowTotals, bool) {
	if l.fast == nil {
		return WindowTotals{}, false
	}
	totals, err := l.fast.Window(ctx, agentID, now)
	if err != nil {
		l.logger.Debug("redis rate window unavailable", "agent_id", agentID, "error", err)
		return WindowTotals{}, false
	}
	return totals, true
}

// retryAfter is how long until the oldest window entry rolls off. The
// Redis path reports no oldest entry; a full window is the safe answer.
func retryAfter(oldest, now time.Time) time.Duration {
	if oldest.IsZero() {
		return Window
	}
	d := oldest.Add(Window).Sub(now)
	if d < time.Second {
		return time.Second
	}
	if d > Window {
		return Window
	}
	return d
}
