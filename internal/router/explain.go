package router

import (
	"context"
	"time"

	"github.com/normanking/relay/internal/cache"
	"github.com/normanking/relay/internal/intent"
	"github.com/normanking/relay/internal/picker"
	"github.com/normanking/relay/internal/trace"
	"github.com/normanking/relay/pkg/types"
)

// Explanation is the dry-run answer: the decision the router would make,
// plus the gate state it would face, with no vendor call and no side effects
// beyond the dry-run trace.
type Explanation struct {
	Decision     types.RoutingDecision `json:"decision"`
	CBUserOpen   bool                  `json:"cb_user_open"`
	CBGlobalOpen bool                  `json:"cb_global_open"`
	WouldCache   bool                  `json:"would_cache_hit"`
	CacheKey     string                `json:"cache_key,omitempty"`
	Intent       types.Intent          `json:"intent"`
	TokensEst    int                   `json:"tokens_est"`
}

// DryExplain routes the request without executing it. The cache is consulted
// read-only; breakers and health are observed, never mutated. A trace is
// still emitted, flagged dry_run.
func (e *Engine) DryExplain(ctx context.Context, req *Request) (*Explanation, error) {
	snap := e.policy.Snapshot()
	rules := &snap
	rc := &req.Ctx
	if rc.Start.IsZero() {
		rc.Start = time.Now()
	}
	rc.TokensEst = intent.CountTokens(req.Prompt)
	if rc.Intent == "" {
		rc.Intent, _ = intent.Detect(req.Prompt)
	}

	pending := e.tracer.Begin()
	tr := e.baseTrace(rc, req)
	tr.DryRun = true
	defer func() {
		tr.LatencyMS = nowMS(rc.Start)
		pending.Emit(ctx, &tr.TraceRecord)
	}()

	tr.CBUserOpen = !e.userCB.Allow(rc.UserID)

	in := picker.Input{
		Prompt:          req.Prompt,
		Override:        req.Override,
		Intent:          rc.Intent,
		TokensEst:       rc.TokensEst,
		WordCount:       intent.CountWords(req.Prompt),
		AttachmentCount: len(req.DocIDs),
		ContextTokens:   intent.CountTokens(req.Context),
		ContextChars:    len(req.Context),
		Stream:          req.Stream,
		RequestID:       rc.RequestID,
	}
	decision, err := e.picker.Pick(in, rules, e.health)
	if err != nil {
		tr.ErrorClass = types.ClassOf(err)
		return nil, err
	}
	tr.setDecision(decision)
	tr.CBGlobalOpen = e.globalCB.Open(decision.Vendor)

	out := &Explanation{
		Decision:     decision,
		CBUserOpen:   tr.CBUserOpen,
		CBGlobalOpen: tr.CBGlobalOpen,
		Intent:       rc.Intent,
		TokensEst:    rc.TokensEst,
	}
	if e.cache != nil {
		out.CacheKey = cache.Key(decision.Model, req.Prompt, req.DocIDs)
		_, out.WouldCache = e.cache.Lookup(ctx, out.CacheKey)
		tr.CacheHit = out.WouldCache
	}
	return out, nil
}

// Trace loads the stored golden trace for a request.
func (e *Engine) Trace(ctx context.Context, requestID string) (*types.TraceRecord, error) {
	return e.tracer.Load(ctx, requestID)
}

// Replay re-routes a past request under the current rules and health view and
// diffs the outcome against the stored trace. Pure read: no vendor call, no
// new trace, no breaker or cache mutation.
func (e *Engine) Replay(ctx context.Context, requestID string) (*trace.ReplayResult, error) {
	then, err := e.tracer.Load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	in := picker.Input{
		Intent:    then.Intent,
		TokensEst: then.TokensEst,
		Stream:    then.Stream,
		RequestID: then.RequestID,
	}
	// The trace stores derived features, not the prompt. Recover the prompt
	// from history when we have it so keyword and word-count rules replay
	// faithfully; otherwise the stored features still drive the decision.
	if e.store != nil {
		if rec, herr := e.store.HistoryByRequestID(ctx, requestID); herr == nil {
			in.Prompt = rec.Prompt
			in.WordCount = intent.CountWords(rec.Prompt)
		}
	}

	snap := e.policy.Snapshot()
	now, err := e.picker.Pick(in, &snap, e.health)
	if err != nil {
		return nil, err
	}

	result := trace.Diff(then, now)
	return &result, nil
}
