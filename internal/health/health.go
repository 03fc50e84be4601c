// Package health aggregates named subsystem probes for the health endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single probe so one stuck subsystem cannot
// hang the whole health response.
const DefaultCheckTimeout = 5 * time.Second

// Status is the result of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	checks  []namedChecker
	timeout time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry with the default per-check timeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a named checker. Safe for concurrent use.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker, each under its own timeout, and
// returns the aggregate verdict plus individual results. The aggregate is
// healthy only when every subsystem is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]namedChecker, len(r.checks))
	copy(checks, r.checks)
	timeout := r.timeout
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checks))

	for i, nc := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		statuses[i] = nc.check(cctx)
		cancel()
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
