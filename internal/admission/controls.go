package admission

import (
	"net/http"
	"sync/atomic"
)

// Controls is the operator kill switch shared by admission and the
// admin surface. A pause is a blunt stop; an integrity hold carries the
// reason a ledger verification failed and refuses new work until an
// operator clears it.
type Controls struct {
	paused atomic.Bool
	hold   atomic.Pointer[string]
}

// NewControls returns released controls.
func NewControls() *Controls { return &Controls{} }

// Pause stops admitting new executions. In-flight work finishes.
func (c *Controls) Pause() { c.paused.Store(true) }

// Resume lifts a pause.
func (c *Controls) Resume() { c.paused.Store(false) }

// Paused reports whether a pause is active.
func (c *Controls) Paused() bool { return c.paused.Load() }

// HoldIntegrity refuses new executions with the given reason until
// ClearIntegrityHold. Later holds overwrite the reason.
func (c *Controls) HoldIntegrity(reason string) {
	c.hold.Store(&reason)
}

// ClearIntegrityHold lifts an integrity hold.
func (c *Controls) ClearIntegrityHold() { c.hold.Store(nil) }

// IntegrityHold returns the active hold reason, if any.
func (c *Controls) IntegrityHold() (string, bool) {
	if p := c.hold.Load(); p != nil {
		return *p, true
	}
	return "", false
}

// Refusal maps the active hold, if any, to its HTTP answer. Integrity
// holds win over pauses: the caller should learn the scarier reason.
func (c *Controls) Refusal() (*Refusal, bool) {
	if reason, held := c.IntegrityHold(); held {
		return &Refusal{
			Status: http.StatusServiceUnavailable,
			Body:   detailBody("Ledger integrity hold: "+reason, nil),
			Reason: "integrity hold",
		}, true
	}
	if c.Paused() {
		return &Refusal{
			Status: http.StatusServiceUnavailable,
			Body:   detailBody("Gateway is paused", nil),
			Reason: "paused",
		}, true
	}
	return nil, false
}
