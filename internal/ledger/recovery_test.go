package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexlabs/aex/internal/agent"
)

// sweepHarness freezes one clock across the store and the sweeper so
// expiry is driven by the test, not wall time.
type sweepHarness struct {
	store   *MemoryStore
	agents  *agent.MemoryStore
	sweeper *Sweeper
	now     time.Time
}

func newSweepHarness(t *testing.T) *sweepHarness {
	t.Helper()
	store, agents := newTestStore(t, Options{})
	seedAgent(t, agents, 100_000)

	h := &sweepHarness{store: store, agents: agents, now: time.Now()}
	clock := func() time.Time { return h.now }
	store.SetClock(clock)
	h.sweeper = NewSweeper(store, nil)
	h.sweeper.SetClock(clock)
	return h
}

func (h *sweepHarness) advance(d time.Duration) { h.now = h.now.Add(d) }

func TestStartupSweepFailsInterruptedDispatches(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	// A dispatch that was mid-flight when the process died.
	_, err := h.store.Reserve(ctx, reserveReq("ex_flight", 1000))
	require.NoError(t, err)
	require.NoError(t, h.store.MarkDispatched(ctx, "ex_flight", time.Minute))

	// A reserve whose ticket lapsed while the process was down.
	expired := reserveReq("ex_stale", 500)
	expired.TTL = 30 * time.Second
	_, err = h.store.Reserve(ctx, expired)
	require.NoError(t, err)

	// A fresh reserve that survived the restart with time to spare.
	fresh := reserveReq("ex_fresh", 200)
	fresh.TTL = time.Hour
	_, err = h.store.Reserve(ctx, fresh)
	require.NoError(t, err)

	h.advance(2 * time.Minute)
	result, err := h.sweeper.SweepStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Released)

	flight, err := h.store.GetExecution(ctx, "ex_flight")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, flight.State)
	assert.Equal(t, 503, flight.StatusCode)
	assert.Contains(t, string(flight.ResponseCache), "restart")

	stale, err := h.store.GetExecution(ctx, "ex_stale")
	require.NoError(t, err)
	assert.Equal(t, StateReleased, stale.State)

	freshEx, err := h.store.GetExecution(ctx, "ex_fresh")
	require.NoError(t, err)
	assert.Equal(t, StateReserved, freshEx.State, "unexpired reserves outlive the restart")
}

func TestStartupSweepRefundsEverything(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	_, err := h.store.Reserve(ctx, reserveReq("ex_1", 1000))
	require.NoError(t, err)
	require.NoError(t, h.store.MarkDispatched(ctx, "ex_1", time.Minute))

	h.advance(2 * time.Minute)
	_, err = h.sweeper.SweepStartup(ctx)
	require.NoError(t, err)

	spent, reserved := balances(t, h.agents)
	assert.Zero(t, spent, "interrupted work is never charged")
	assert.Zero(t, reserved, "every orphaned hold is refunded")
}

func TestPeriodicSweepReleasesExpiredReserves(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	req := reserveReq("ex_1", 1000)
	req.TTL = time.Minute
	_, err := h.store.Reserve(ctx, req)
	require.NoError(t, err)

	// Not yet expired: nothing to do.
	result, err := h.sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)

	h.advance(2 * time.Minute)
	result, err = h.sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Released)

	ex, err := h.store.GetExecution(ctx, "ex_1")
	require.NoError(t, err)
	assert.Equal(t, StateReleased, ex.State)

	events, err := h.store.ListEvents(ctx, DefaultChainScope, 0, 10)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, EventRelease, last.EventType)
	assert.Contains(t, string(last.Payload), `"reason":"expired"`)
}

func TestPeriodicSweepGivesDispatchersGrace(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	req := reserveReq("ex_1", 1000)
	req.TTL = time.Minute
	_, err := h.store.Reserve(ctx, req)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkDispatched(ctx, "ex_1", time.Minute))

	// Expired but within the orphan grace: the dispatcher may still settle.
	h.advance(90 * time.Second)
	result, err := h.sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Zero(t, result.Failed)

	ex, err := h.store.GetExecution(ctx, "ex_1")
	require.NoError(t, err)
	assert.Equal(t, StateDispatched, ex.State)

	// A full grace past expiry: the dispatcher is gone.
	h.advance(time.Minute)
	result, err = h.sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	ex, err = h.store.GetExecution(ctx, "ex_1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, ex.State)
	assert.Equal(t, 504, ex.StatusCode)
}

func TestSweepIsIdempotent(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	req := reserveReq("ex_1", 1000)
	req.TTL = time.Minute
	_, err := h.store.Reserve(ctx, req)
	require.NoError(t, err)

	h.advance(2 * time.Minute)
	first, err := h.sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Released)

	second, err := h.sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Released, "a settled ticket cannot be swept twice")
}
