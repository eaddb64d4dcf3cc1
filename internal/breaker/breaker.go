// Package breaker implements the two circuit-breaker tiers: a global breaker
// per vendor fed by real request outcomes, and per-user breakers that shed a
// single misbehaving caller without affecting anyone else.
package breaker

import (
	"sync"
	"time"

	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/metrics"
	"github.com/normanking/relay/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GLOBAL BREAKER (per vendor)
// ═══════════════════════════════════════════════════════════════════════════════

type vendorCircuit struct {
	failures    int
	lastFailure time.Time
	open        bool
}

// Global counts consecutive retryable failures per vendor. The circuit opens
// at the threshold and half-opens after the cooldown: the next request is let
// through as a trial, and its outcome closes or re-opens the circuit.
// Health probes never feed this breaker; only real request outcomes do.
type Global struct {
	mu        sync.Mutex
	circuits  map[types.Vendor]*vendorCircuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       *logging.Logger
}

// NewGlobal creates a global breaker with the given trip threshold and
// cooldown.
func NewGlobal(threshold int, cooldown time.Duration) *Global {
	return &Global{
		circuits:  make(map[types.Vendor]*vendorCircuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		log:       logging.Global().WithComponent("Breaker"),
	}
}

// Allow reports whether a request may be sent to the vendor. An open circuit
// past its cooldown lets one trial request through (half-open).
func (g *Global) Allow(v types.Vendor) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.circuits[v]
	if !ok || !c.open {
		return true
	}
	if g.now().Sub(c.lastFailure) >= g.cooldown {
		// Half-open: permit a trial without closing the circuit yet.
		return true
	}
	return false
}

// RecordSuccess closes the vendor's circuit and clears its failure count.
func (g *Global) RecordSuccess(v types.Vendor) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.circuits[v]
	if !ok {
		return
	}
	if c.open {
		g.log.Info("[Breaker] global circuit for %s closed", v)
	}
	c.failures = 0
	c.open = false
}

// RecordFailure counts one retryable failure against the vendor and opens
// the circuit at the threshold.
func (g *Global) RecordFailure(v types.Vendor) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.circuits[v]
	if !ok {
		c = &vendorCircuit{}
		g.circuits[v] = c
	}
	c.failures++
	c.lastFailure = g.now()
	if c.failures >= g.threshold && !c.open {
		c.open = true
		metrics.BreakerOpens.WithLabelValues("global").Inc()
		g.log.Warn("[Breaker] global circuit for %s opened after %d failures", v, c.failures)
	}
}

// Open reports whether the vendor's circuit is currently open, ignoring the
// half-open trial window. Used by status reporting and traces.
func (g *Global) Open(v types.Vendor) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.circuits[v]
	return ok && c.open
}

// ═══════════════════════════════════════════════════════════════════════════════
// PER-USER BREAKER
// ═══════════════════════════════════════════════════════════════════════════════

type userCircuit struct {
	failures  int
	windowEnd time.Time
	openUntil time.Time
}

// PerUser trips a circuit for a single user ID after too many failures
// inside a rolling window. Anonymous users share one circuit under the
// "anon" key, which is the intended behavior: unauthenticated abuse is
// shed collectively.
type PerUser struct {
	mu        sync.Mutex
	circuits  map[string]*userCircuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       *logging.Logger
}

// NewPerUser creates a per-user breaker. The failure window equals the
// cooldown, matching the rules file semantics.
func NewPerUser(threshold int, cooldown time.Duration) *PerUser {
	return &PerUser{
		circuits:  make(map[string]*userCircuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		log:       logging.Global().WithComponent("Breaker"),
	}
}

// Allow reports whether the user may issue a request. Reads do not mutate
// counters; expired entries are pruned opportunistically.
func (u *PerUser) Allow(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	c, ok := u.circuits[userID]
	if !ok {
		return true
	}
	now := u.now()
	if now.Before(c.openUntil) {
		return false
	}
	if now.After(c.windowEnd) && now.After(c.openUntil) {
		delete(u.circuits, userID)
	}
	return true
}

// RecordSuccess clears the user's circuit entirely.
func (u *PerUser) RecordSuccess(userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.circuits, userID)
}

// RecordFailure counts a failure in the user's current window and opens the
// circuit for the cooldown once the threshold is reached.
func (u *PerUser) RecordFailure(userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	c, ok := u.circuits[userID]
	if !ok || now.After(c.windowEnd) {
		c = &userCircuit{windowEnd: now.Add(u.cooldown)}
		u.circuits[userID] = c
	}
	c.failures++
	if c.failures >= u.threshold {
		if c.openUntil.IsZero() || now.After(c.openUntil) {
			metrics.BreakerOpens.WithLabelValues("user").Inc()
		}
		c.openUntil = now.Add(u.cooldown)
		u.log.Warn("[Breaker] user circuit for %q opened (%d failures in window)", userID, c.failures)
	}
}

// Len returns the number of tracked user circuits, for status reporting.
func (u *PerUser) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.circuits)
}
