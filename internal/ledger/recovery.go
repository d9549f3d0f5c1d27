package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// orphanGrace is how far past a reservation's expiry a DISPATCHED
// execution may run before the sweeper treats its dispatcher as gone.
// Live dispatchers extend their reservation; a dead one cannot.
const orphanGrace = time.Minute

var sweepOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aex",
		Name:      "recovery_sweep_outcomes_total",
		Help:      "Executions reconciled by the recovery sweep, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(sweepOutcomes)
}

// SweepResult counts what one sweeper pass touched.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}

// Sweeper reconciles non-terminal executions: orphans left behind by a
// restart and reservations whose TTL lapsed. Every transition it makes is
// a CAS, so overlapping sweeps and racing dispatchers stay safe.
type Sweeper struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a recovery sweeper over the store.
func NewSweeper(store Store, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, logger: logger, now: time.Now}
}

// SetClock replaces the sweeper's clock for expiry tests.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

var restartBody = mustJSON(map[string]any{
	"detail": "Execution interrupted by process restart",
})

var orphanBody = mustJSON(map[string]any{
	"detail": "Execution abandoned by its dispatcher",
})

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// SweepStartup runs once before the server accepts traffic. Every
// non-terminal row belongs to a process that no longer exists:
// RESERVING and DISPATCHED rows fail with process_restart, RESERVED rows
// whose reservation expired release with expired.
func (s *Sweeper) SweepStartup(ctx context.Context) (*SweepResult, error) {
	now := s.now()

	expired := make(map[string]bool)
	reservations, err := s.store.ExpiredReservations(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, r := range reservations {
		expired[r.ExecutionID] = true
	}

	open, err := s.store.ListNonTerminal(ctx, now)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, ex := range open {
		result.Scanned++
		switch ex.State {
		case StateReserving, StateDispatched:
			if err := s.store.Fail(ctx, ex.ExecutionID, 503, restartBody, "process_restart"); err != nil {
				s.logger.Error("startup sweep: fail orphan",
					"execution_id", ex.ExecutionID, "error", err)
				continue
			}
			result.Failed++
			sweepOutcomes.WithLabelValues("failed").Inc()
		case StateReserved:
			if !expired[ex.ExecutionID] {
				continue
			}
			if err := s.store.Release(ctx, ex.ExecutionID, "expired", 0); err != nil {
				s.logger.Error("startup sweep: release expired",
					"execution_id", ex.ExecutionID, "error", err)
				continue
			}
			result.Released++
			sweepOutcomes.WithLabelValues("released").Inc()
		}
	}

	s.logger.Info("startup recovery sweep complete",
		"scanned", result.Scanned, "released", result.Released, "failed", result.Failed)
	return result, nil
}

// SweepExpired handles the periodic pass: expired RESERVED reservations
// release; DISPATCHED rows are left to their dispatcher until the expiry
// is a full grace period overdue.
func (s *Sweeper) SweepExpired(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	reservations, err := s.store.ExpiredReservations(ctx, now)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, r := range reservations {
		result.Scanned++
		ex, err := s.store.GetExecution(ctx, r.ExecutionID)
		if err != nil {
			s.logger.Warn("periodic sweep: reservation without execution",
				"execution_id", r.ExecutionID, "error", err)
			continue
		}

		switch ex.State {
		case StateReserved:
			if err := s.store.Release(ctx, ex.ExecutionID, "expired", 0); err != nil {
				s.logger.Error("periodic sweep: release expired",
					"execution_id", ex.ExecutionID, "error", err)
				continue
			}
			result.Released++
			sweepOutcomes.WithLabelValues("released").Inc()
		case StateDispatched:
			if now.Before(r.ExpiresAt.Add(orphanGrace)) {
				continue
			}
			if err := s.store.Fail(ctx, ex.ExecutionID, 504, orphanBody, "orphaned"); err != nil {
				s.logger.Error("periodic sweep: fail orphan",
					"execution_id", ex.ExecutionID, "error", err)
				continue
			}
			result.Failed++
			sweepOutcomes.WithLabelValues("failed").Inc()
		}
	}

	if result.Released > 0 || result.Failed > 0 {
		s.logger.Info("periodic recovery sweep",
			"scanned", result.Scanned, "released", result.Released, "failed", result.Failed)
	}
	return result, nil
}

// Run executes SweepExpired on a fixed interval until ctx is cancelled.
// The server starts this in a goroutine after the startup sweep.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("periodic recovery sweep failed", "error", err)
			}
		}
	}
}
