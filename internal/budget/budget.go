// Package budget implements per-request wall-clock budget arithmetic and the
// deadline derivation rule for vendor adapter calls.
package budget

import (
	"context"
	"time"
)

// MinTimeout is the floor applied to derived timeouts so an adapter call is
// never created with a zero or negative deadline.
const MinTimeout = 100 * time.Millisecond

// Remaining returns the unspent portion of the request budget, never
// negative.
func Remaining(start time.Time, budgetMS int) time.Duration {
	total := time.Duration(budgetMS) * time.Millisecond
	elapsed := time.Since(start)
	if elapsed >= total {
		return 0
	}
	return total - elapsed
}

// TimeoutSeconds converts the remaining budget to seconds with a 0.1s floor.
func TimeoutSeconds(start time.Time, budgetMS int) float64 {
	sec := Remaining(start, budgetMS).Seconds()
	if sec < 0.1 {
		return 0.1
	}
	return sec
}

// AdapterTimeout derives the deadline for one adapter call: the vendor's own
// timeout capped by the remaining request budget, floored at MinTimeout.
// This guarantees deadline-now <= remaining budget at the call site.
func AdapterTimeout(start time.Time, budgetMS int, vendorTimeout time.Duration) time.Duration {
	remaining := Remaining(start, budgetMS)
	d := vendorTimeout
	if remaining < d {
		d = remaining
	}
	if d < MinTimeout {
		d = MinTimeout
	}
	return d
}

// WithAdapterDeadline wraps ctx with the derived adapter deadline.
func WithAdapterDeadline(ctx context.Context, start time.Time, budgetMS int, vendorTimeout time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	d := AdapterTimeout(start, budgetMS, vendorTimeout)
	cctx, cancel := context.WithTimeout(ctx, d)
	return cctx, cancel, d
}

// Exhausted reports whether the request budget has run out.
func Exhausted(start time.Time, budgetMS int) bool {
	return Remaining(start, budgetMS) == 0
}
