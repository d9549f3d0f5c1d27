// Package health aggregates named subsystem probes for the gateway's
// health endpoint.
package health

import (
	"context"
	"sync"
)

// Check probes one subsystem. It reports whether the subsystem can
// serve plus a short detail string for the health payload; an empty
// detail falls back to "healthy" or "unhealthy".
type Check func(ctx context.Context) (ok bool, detail string)

type namedCheck struct {
	name  string
	check Check
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []namedCheck
}

// NewRegistry returns an empty registry. An empty registry is healthy.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named check.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered check and reports overall health plus
// the per-subsystem details keyed by check name.
func (r *Registry) CheckAll(ctx context.Context) (bool, map[string]string) {
	r.mu.RLock()
	checks := append([]namedCheck(nil), r.checks...)
	r.mu.RUnlock()

	healthy := true
	details := make(map[string]string, len(checks))
	for _, nc := range checks {
		ok, detail := nc.check(ctx)
		if detail == "" {
			if ok {
				detail = "healthy"
			} else {
				detail = "unhealthy"
			}
		}
		if !ok {
			healthy = false
		}
		details[nc.name] = detail
	}
	return healthy, details
}
