// Package trace implements the golden routing trace: a single record emitted
// exactly once per request, persisted for replay and post-incident diffing.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/pkg/types"
)

// emitTimeout caps trace persistence so it can finish after a disconnect
// without pinning goroutines.
const emitTimeout = 5 * time.Second

// Store is the persistence surface for traces.
type Store interface {
	SaveTrace(ctx context.Context, trace *types.TraceRecord) error
	GetTrace(ctx context.Context, requestID string) (*types.TraceRecord, error)
}

// Emitter persists golden traces.
type Emitter struct {
	store Store
	log   *logging.Logger
}

// NewEmitter creates an emitter over the given store.
func NewEmitter(store Store) *Emitter {
	return &Emitter{
		store: store,
		log:   logging.Global().WithComponent("Trace"),
	}
}

// Pending is the per-request emission guard. Every exit path calls Emit; the
// sync.Once guarantees exactly one record lands no matter how many paths
// race, and the record content is whatever the winning caller assembled.
type Pending struct {
	emitter *Emitter
	once    sync.Once
	emitted bool
}

// Begin creates the emission guard for one request.
func (e *Emitter) Begin() *Pending {
	return &Pending{emitter: e}
}

// Emit persists the record once. Later calls are no-ops. Emission runs on a
// detached context so a client disconnect cannot suppress the trace.
func (p *Pending) Emit(ctx context.Context, rec *types.TraceRecord) {
	p.once.Do(func() {
		p.emitted = true
		if rec.TS.IsZero() {
			rec.TS = time.Now()
		}
		saveCtx, cancel := logging.DetachContextWithTimeout(ctx, emitTimeout)
		defer cancel()
		if err := p.emitter.store.SaveTrace(saveCtx, rec); err != nil {
			p.emitter.log.Error("[Trace] emit failed for %s: %v", rec.RequestID, err)
		}
	})
}

// Emitted reports whether a record has landed, for tests and status output.
func (p *Pending) Emitted() bool {
	return p.emitted
}

// Load fetches a stored trace for replay.
func (e *Emitter) Load(ctx context.Context, requestID string) (*types.TraceRecord, error) {
	return e.store.GetTrace(ctx, requestID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REPLAY
// ═══════════════════════════════════════════════════════════════════════════════

// ReplayResult is the diff between the decision recorded at request time and
// the decision the current rules and health would make. Replay is pure: no
// vendor is ever called.
type ReplayResult struct {
	RequestID string                `json:"request_id"`
	Then      ReplayDecision        `json:"then"`
	Now       types.RoutingDecision `json:"now"`
	Changed   []string              `json:"changed"`
}

// ReplayDecision is the routing-relevant slice of the stored trace.
type ReplayDecision struct {
	Vendor     types.Vendor `json:"vendor"`
	Model      string       `json:"model"`
	Reason     types.Reason `json:"reason"`
	KeywordHit string       `json:"keyword_hit,omitempty"`
}

// Diff compares the stored trace against a freshly computed decision and
// names the fields that changed.
func Diff(then *types.TraceRecord, now types.RoutingDecision) ReplayResult {
	result := ReplayResult{
		RequestID: then.RequestID,
		Then: ReplayDecision{
			Vendor:     then.ChosenVendor,
			Model:      then.ChosenModel,
			Reason:     then.PickerReason,
			KeywordHit: then.KeywordHit,
		},
		Now: now,
	}
	if then.ChosenVendor != now.Vendor {
		result.Changed = append(result.Changed, "vendor")
	}
	if then.ChosenModel != now.Model {
		result.Changed = append(result.Changed, "model")
	}
	if then.PickerReason != now.Reason {
		result.Changed = append(result.Changed, "reason")
	}
	if then.KeywordHit != now.KeywordHit {
		result.Changed = append(result.Changed, "keyword_hit")
	}
	return result
}
