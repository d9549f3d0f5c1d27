// Package circuitbreaker fails calls fast when a dependency keeps
// erroring, giving it a fixed window to recover before probing again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of a breaker's switch.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected until the open window elapses
	StateHalfOpen              // one probe call out, everything else rejected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Defaults applied by New for zero-valued parameters.
const (
	DefaultThreshold  = 5
	DefaultOpenWindow = 30 * time.Second
)

var (
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "breaker_transitions_total",
			Help:      "Breaker state transitions by breaker name and new state.",
		},
		[]string{"name", "to_state"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aex",
			Name:      "breaker_state",
			Help:      "Current breaker state (0 closed, 1 open, 2 half-open).",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(breakerTransitions, breakerState)
}

// Breaker guards a single dependency. Threshold consecutive failures
// trip it open; once the open window elapses a single probe is
// admitted, and its outcome decides between closing and reopening.
//
// Guard several dependencies with several named Breakers.
type Breaker struct {
	name      string
	threshold int
	openFor   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	onChange func(name string, from, to State)
}

// New creates a closed breaker. The name labels metrics and
// state-change callbacks.
func New(name string, threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openFor <= 0 {
		openFor = DefaultOpenWindow
	}
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{
		name:      name,
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

// OnStateChange registers a callback fired on every transition. The
// callback runs with the breaker locked; keep it cheap and never call
// back into the breaker from it.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. When the open window has
// elapsed it moves the breaker to half-open and admits the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.shift(StateHalfOpen)
		return true
	case StateHalfOpen:
		// A probe is already out.
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure run. A successful probe closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.shift(StateClosed)
	}
}

// RecordFailure counts one failure. A failed probe reopens the breaker
// immediately; a closed breaker trips once the run reaches the
// threshold. Failures reported by stragglers while already open do not
// extend the window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.shift(StateOpen)
	case b.state == StateClosed && b.failures >= b.threshold:
		b.shift(StateOpen)
	}
}

// State returns the current switch position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// shift transitions state, stamping the window start on a trip. Caller
// holds b.mu.
func (b *Breaker) shift(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateOpen {
		b.openedAt = b.now()
	}
	breakerTransitions.WithLabelValues(b.name, to.String()).Inc()
	breakerState.WithLabelValues(b.name).Set(float64(to))
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
