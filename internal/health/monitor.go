// Package health tracks per-vendor reachability. A background prober pings
// each vendor adapter with exponential backoff, and live call outcomes are
// folded in so the picker sees failures before the next probe fires.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/metrics"
	"github.com/normanking/relay/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENDOR HEALTH
// ═══════════════════════════════════════════════════════════════════════════════

// VendorHealth is a point-in-time view of one vendor's reachability.
type VendorHealth struct {
	Vendor           types.Vendor  `json:"vendor"`
	Healthy          bool          `json:"healthy"`
	EverSucceeded    bool          `json:"ever_succeeded"`
	LastSuccess      time.Time     `json:"last_success,omitempty"`
	LastCheck        time.Time     `json:"last_check"`
	LastError        string        `json:"last_error,omitempty"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	NextCheckDelay   time.Duration `json:"next_check_delay,omitempty"`
}

// Monitor holds the health state for all registered vendors.
// Reads are lock-free for callers on the request path in the sense that they
// take only a short RLock; probes and reports take the write lock.
type Monitor struct {
	mu    sync.RWMutex
	state map[types.Vendor]*VendorHealth
	log   *logging.Logger
}

// NewMonitor creates a monitor with every known vendor marked healthy.
// Vendors start optimistic: a vendor is only unhealthy after an observed
// failure, never because it has not been probed yet.
func NewMonitor() *Monitor {
	m := &Monitor{
		state: make(map[types.Vendor]*VendorHealth),
		log:   logging.Global().WithComponent("Health"),
	}
	for _, v := range []types.Vendor{types.VendorPrimary, types.VendorSecondary} {
		m.state[v] = &VendorHealth{Vendor: v, Healthy: true}
	}
	return m
}

// Healthy reports whether the vendor is currently considered reachable.
// Unknown vendors read as unhealthy.
func (m *Monitor) Healthy(v types.Vendor) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.state[v]
	return ok && h.Healthy
}

// ReportSuccess records a successful call or probe for the vendor.
func (m *Monitor) ReportSuccess(v types.Vendor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.state[v]
	if !ok {
		return
	}
	if !h.Healthy {
		m.log.Info("[Health] %s recovered", v)
	}
	h.Healthy = true
	metrics.VendorHealthy.WithLabelValues(string(v)).Set(1)
	h.EverSucceeded = true
	h.ConsecutiveFails = 0
	h.LastError = ""
	h.LastSuccess = time.Now()
	h.LastCheck = h.LastSuccess
}

// ReportFailure records a failed call or probe. Only infrastructure-level
// failures should be reported here; a provider 4xx says nothing about
// vendor reachability.
func (m *Monitor) ReportFailure(v types.Vendor, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.state[v]
	if !ok {
		return
	}
	h.ConsecutiveFails++
	if err != nil {
		h.LastError = err.Error()
	}
	h.LastCheck = time.Now()
	if h.Healthy {
		m.log.Warn("[Health] %s marked unhealthy: %v", v, err)
	}
	h.Healthy = false
	metrics.VendorHealthy.WithLabelValues(string(v)).Set(0)
}

func (m *Monitor) setNextCheckDelay(v types.Vendor, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.state[v]; ok {
		h.NextCheckDelay = d
	}
}

// Snapshot returns a copy of all vendor states, for /ask/status and traces.
func (m *Monitor) Snapshot() map[types.Vendor]VendorHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.Vendor]VendorHealth, len(m.state))
	for v, h := range m.state {
		out[v] = *h
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROBER
// ═══════════════════════════════════════════════════════════════════════════════

// Probe timing. Failed vendors are re-probed aggressively at first, with the
// interval doubling up to maxCheckDelay; healthy vendors are probed lazily.
const (
	initialProbeDelay = 2 * time.Second
	maxProbeDelay     = 60 * time.Second
	successThrottle   = 30 * time.Second
	probeTimeout      = 3 * time.Second
)

// Prober periodically pings one vendor adapter and feeds the monitor.
// Probes observe health only; they never trip or reset circuit breakers,
// which count real request outcomes.
type Prober struct {
	adapter types.Adapter
	monitor *Monitor
	log     *logging.Logger
}

// NewProber creates a prober for one adapter.
func NewProber(adapter types.Adapter, monitor *Monitor) *Prober {
	return &Prober{
		adapter: adapter,
		monitor: monitor,
		log:     logging.Global().WithComponent("Health"),
	}
}

// Run probes the adapter until ctx is cancelled. It is meant to be launched
// as a goroutine from the composition root when startup pings are enabled.
func (p *Prober) Run(ctx context.Context) {
	delay := initialProbeDelay
	for {
		healthy := p.probeOnce(ctx)
		if healthy {
			// Backoff resets after a success; the next check is throttled.
			delay = successThrottle
		} else {
			delay *= 2
			if delay > maxProbeDelay {
				delay = maxProbeDelay
			}
		}
		p.monitor.setNextCheckDelay(p.adapter.Vendor(), delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// probeOnce pings the adapter once and records the outcome.
func (p *Prober) probeOnce(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := p.adapter.Ping(pctx); err != nil {
		if ctx.Err() != nil {
			return false // shutting down, not a vendor failure
		}
		p.monitor.ReportFailure(p.adapter.Vendor(), err)
		return false
	}
	p.monitor.ReportSuccess(p.adapter.Vendor())
	return true
}
