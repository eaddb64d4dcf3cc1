package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/normanking/relay/internal/budget"
	"github.com/normanking/relay/internal/cache"
	"github.com/normanking/relay/internal/intent"
	"github.com/normanking/relay/internal/metrics"
	"github.com/normanking/relay/internal/picker"
	"github.com/normanking/relay/internal/policy"
	"github.com/normanking/relay/internal/postcall"
	"github.com/normanking/relay/internal/selfcheck"
	"github.com/normanking/relay/pkg/types"
)

// Ask drives one request end to end. Whatever path the request takes, the
// golden trace is emitted exactly once and the post-call pipeline runs for
// every terminal outcome.
func (e *Engine) Ask(ctx context.Context, req *Request) (result *Result, askErr error) {
	snap := e.policy.Snapshot()
	rules := &snap
	rc := &req.Ctx
	if rc.Start.IsZero() {
		rc.Start = time.Now()
	}
	if rc.BudgetMS <= 0 {
		rc.BudgetMS = rules.BudgetMS
	}
	rc.TokensEst = intent.CountTokens(req.Prompt)
	if rc.Intent == "" {
		rc.Intent, _ = intent.Detect(req.Prompt)
	}

	pending := e.tracer.Begin()
	tr := e.baseTrace(rc, req)
	defer func() {
		tr.LatencyMS = nowMS(rc.Start)
		if askErr != nil && tr.ErrorClass == "" {
			tr.ErrorClass = types.ClassOf(askErr)
		}
		pending.Emit(ctx, &tr.TraceRecord)
	}()

	fail := func(err error) (*Result, error) {
		class := types.ClassOf(err)
		tr.ErrorClass = class
		vendor := string(tr.ChosenVendor)
		if vendor == "" {
			vendor = "none" // failed before any vendor was picked
		}
		metrics.RequestsTotal.WithLabelValues(vendor, string(class)).Inc()
		e.runPostCall(ctx, req, rc, rules, "", nil, class, class == types.ErrCancelled)
		return nil, err
	}

	// ─── Breakers ───

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
		return fail(err)
	}

	// An open user circuit sheds that user's traffic: a primary pick is
	// demoted to the secondary default, anything else is rejected outright.
	if tr.CBUserOpen {
		if decision.Vendor == types.VendorPrimary &&
			e.health.Healthy(types.VendorSecondary) && e.globalCB.Allow(types.VendorSecondary) {
			decision = fallbackDecision(decision, types.VendorPrimary, rules)
		} else {
			return fail(types.E(types.ErrRateLimited, "user circuit open"))
		}
	}

	tr.CBGlobalOpen = e.globalCB.Open(decision.Vendor)
	if !e.globalCB.Allow(decision.Vendor) {
		other := decision.Vendor.Opposite()
		if decision.AllowFallback && e.health.Healthy(other) && e.globalCB.Allow(other) {
			decision = fallbackDecision(decision, decision.Vendor, rules)
		} else {
			return fail(types.E(types.ErrVendorUnavailable, "circuit open for "+string(decision.Vendor)))
		}
	}

	tr.setDecision(decision)

	// ─── Cache probe ───
	//
	// OnRoute fires after the probe so a hit reports the cache, not the
	// vendor that would have been called.

	key := ""
	if e.cache != nil {
		key = cache.Key(decision.Model, req.Prompt, req.DocIDs)
		if entry, ok := e.cache.Lookup(ctx, key); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return e.finishCacheHit(ctx, req, rc, rules, tr, decision, key, entry)
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	if req.OnRoute != nil {
		req.OnRoute(decision)
	}

	// ─── Execute ───
	//
	// Non-streaming misses share one in-flight fill per fingerprint;
	// streaming requests bypass the flight since their tokens go straight
	// to the client.

	if e.cache != nil && !req.Stream {
		var mine *Result
		fr, err := e.cache.GetOrFill(ctx, key, func(fctx context.Context) (*types.CacheEntry, error) {
			r, err := e.run(fctx, req, rc, rules, decision, tr)
			if err != nil {
				return nil, err
			}
			mine = r
			return &types.CacheEntry{
				Key:    key,
				Text:   r.Text,
				Model:  r.FinalModel,
				Vendor: r.Decision.Vendor,
			}, nil
		})
		if err != nil {
			return fail(err)
		}
		if mine == nil {
			// Piggybacked on another request's fill: no vendor call was
			// made on our behalf, so account it as a cache hit.
			metrics.CacheLookups.WithLabelValues("shared").Inc()
			return e.finishCacheHit(ctx, req, rc, rules, tr, decision, key, fr.Entry)
		}
		return e.finishSuccess(ctx, req, rc, rules, tr, mine, key)
	}

	r, err := e.run(ctx, req, rc, rules, decision, tr)
	if err != nil {
		return fail(err)
	}
	return e.finishSuccess(ctx, req, rc, rules, tr, r, key)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// run executes the decision with at most one fallback, then applies the
// self-check gate. The returned result is terminal-success only; errors
// bubble to the caller's fail path.
func (e *Engine) run(ctx context.Context, req *Request, rc *types.RequestContext, rules *policy.Rules, decision types.RoutingDecision, tr *traceBuilder) (*Result, error) {
	resp, final, fallbackReason, err := e.callVendor(ctx, req, rc, rules, decision)
	tr.FallbackReason = fallbackReason
	if err != nil {
		return nil, err
	}
	tr.setDecision(final)

	result := &Result{
		Decision:         final,
		Text:             resp.Text,
		FallbackReason:   fallbackReason,
		FinalModel:       final.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Cost:             resp.Cost,
	}

	// Self-check applies to successful primary responses. Streaming
	// responses are already on the wire, so there is nothing to replace.
	if final.Vendor == types.VendorPrimary {
		score := selfcheck.Score(selfcheck.Input{
			Prompt:   req.Prompt,
			Response: result.Text,
			Intent:   rc.Intent,
			DocIDs:   req.DocIDs,
		})
		result.SelfCheckScore = &score

		canEscalate := !req.Stream &&
			final.Model != rules.PrimaryHeavyModel &&
			!budget.Exhausted(rc.Start, rc.BudgetMS) &&
			selfcheck.ShouldEscalate(score, rules, false)
		if canEscalate {
			e.escalate(ctx, req, rc, rules, result)
		}
	}

	return result, nil
}

// escalate retries once on the heavy primary model. The original response is
// kept when the escalation call fails.
func (e *Engine) escalate(ctx context.Context, req *Request, rc *types.RequestContext, rules *policy.Rules, result *Result) {
	metrics.EscalationsTotal.Inc()
	e.log.Info("[Router] self-check %.2f below %.2f, escalating %s to %s",
		*result.SelfCheckScore, rules.SelfCheckFailThreshold, rc.RequestID, rules.PrimaryHeavyModel)

	esc := types.RoutingDecision{
		Vendor:        types.VendorPrimary,
		Model:         rules.PrimaryHeavyModel,
		Reason:        result.Decision.Reason,
		AllowFallback: false,
		RequestID:     rc.RequestID,
	}
	resp, _, _, err := e.callVendor(ctx, req, rc, rules, esc)
	if err != nil {
		e.log.Warn("[Router] escalation failed for %s, keeping original: %v", rc.RequestID, err)
		return
	}

	newScore := selfcheck.Score(selfcheck.Input{
		Prompt:   req.Prompt,
		Response: resp.Text,
		Intent:   rc.Intent,
		DocIDs:   req.DocIDs,
	})
	result.Text = resp.Text
	result.FinalModel = esc.Model
	result.Escalated = true
	result.SelfCheckScore = &newScore
	result.PromptTokens = resp.PromptTokens
	result.CompletionTokens = resp.CompletionTokens
	result.Cost += resp.Cost
}

// callVendor performs one adapter call with breaker/health bookkeeping and
// at most one fallback to the opposite vendor. The fallback decision carries
// AllowFallback=false, so the recursion terminates after one hop. A stream
// that has already emitted tokens is never fallen back, to avoid replaying
// output the client has seen.
func (e *Engine) callVendor(ctx context.Context, req *Request, rc *types.RequestContext, rules *policy.Rules, d types.RoutingDecision) (*types.CallResponse, types.RoutingDecision, string, error) {
	adapter, ok := e.adapters[d.Vendor]
	if !ok {
		return nil, d, "", types.E(types.ErrVendorUnavailable, "no adapter for "+string(d.Vendor))
	}
	if budget.Exhausted(rc.Start, rc.BudgetMS) {
		return nil, d, "", types.E(types.ErrTimeout, "request budget exhausted")
	}

	var emittedTokens atomic.Int64
	onToken := req.OnToken
	if req.Stream && onToken != nil {
		inner := onToken
		onToken = func(tok string) {
			emittedTokens.Add(1)
			inner(tok)
		}
	}

	call := &types.CallRequest{
		Prompt:  req.Prompt,
		System:  systemPrompt(req),
		Model:   d.Model,
		Stream:  req.Stream,
		OnToken: onToken,
		Timeout: budget.AdapterTimeout(rc.Start, rc.BudgetMS, rules.VendorTimeout(d.Vendor)),
		Opts:    req.Opts,
	}

	resp, err := adapter.Call(ctx, call)
	if err == nil {
		e.health.ReportSuccess(d.Vendor)
		e.globalCB.RecordSuccess(d.Vendor)
		e.userCB.RecordSuccess(rc.UserID)
		return resp, d, "", nil
	}

	class := types.ClassOf(err)
	e.recordFailure(d.Vendor, rc.UserID, class, err)

	if !class.Retryable() || !d.AllowFallback || emittedTokens.Load() > 0 {
		return nil, d, "", err
	}
	other := d.Vendor.Opposite()
	if !e.health.Healthy(other) || !e.globalCB.Allow(other) {
		return nil, d, "", err
	}

	metrics.FallbacksTotal.WithLabelValues(string(d.Vendor), string(class)).Inc()
	e.log.Warn("[Router] %s failed with %s, falling back to %s for %s", d.Vendor, class, other, rc.RequestID)

	fd := fallbackDecision(d, d.Vendor, rules)
	resp, final, _, err := e.callVendor(ctx, req, rc, rules, fd)
	return resp, final, string(class), err
}

// recordFailure updates health and breaker state for one failed call.
// Cancellation is the caller's doing and counts against nothing; provider
// 4xx says the request was wrong, not the vendor.
func (e *Engine) recordFailure(v types.Vendor, userID string, class types.ErrorClass, err error) {
	switch class {
	case types.ErrCancelled, types.ErrProvider4xx, types.ErrAuth,
		types.ErrModelNotAllowed, types.ErrBlockedByPolicy:
		return
	}
	if class == types.ErrTimeout || class == types.ErrNetwork || class == types.ErrVendorUnavailable {
		e.health.ReportFailure(v, err)
	}
	if class.Retryable() {
		e.globalCB.RecordFailure(v)
		e.userCB.RecordFailure(userID)
	}
}

// fallbackDecision builds the one-shot swap to the opposite vendor.
func fallbackDecision(d types.RoutingDecision, from types.Vendor, rules *policy.Rules) types.RoutingDecision {
	other := from.Opposite()
	return types.RoutingDecision{
		Vendor:        other,
		Model:         rules.DefaultModel(other),
		Reason:        types.FallbackHealthReason(from),
		Stream:        d.Stream,
		AllowFallback: false,
		RequestID:     d.RequestID,
	}
}

func systemPrompt(req *Request) string {
	if req.Context == "" {
		return ""
	}
	return "Use the following retrieved context when relevant:\n" + req.Context
}

// ═══════════════════════════════════════════════════════════════════════════════
// TERMINAL PATHS
// ═══════════════════════════════════════════════════════════════════════════════

// finishCacheHit completes a request served from the cache: no vendor call,
// vendor recorded as "cache" in the trace.
func (e *Engine) finishCacheHit(ctx context.Context, req *Request, rc *types.RequestContext, rules *policy.Rules, tr *traceBuilder, decision types.RoutingDecision, key string, entry *types.CacheEntry) (*Result, error) {
	tr.CacheHit = true
	tr.ChosenVendor = types.VendorCache
	tr.PickerReason = types.ReasonCacheHit
	tr.ChosenModel = entry.Model

	if req.OnRoute != nil {
		req.OnRoute(types.RoutingDecision{
			Vendor:    types.VendorCache,
			Model:     entry.Model,
			Reason:    types.ReasonCacheHit,
			Stream:    req.Stream,
			RequestID: rc.RequestID,
		})
	}

	if req.Stream && req.OnToken != nil {
		req.OnToken(entry.Text)
	}

	result := &Result{
		Decision:   decision,
		Text:       entry.Text,
		CacheHit:   true,
		FinalModel: entry.Model,
		LatencyMS:  nowMS(rc.Start),
	}
	metrics.RequestsTotal.WithLabelValues(string(types.VendorCache), "ok").Inc()

	e.runPostCall(ctx, req, rc, rules, key, result, "", false)
	return result, nil
}

// finishSuccess completes a normal success: metrics, post-call, trace fields.
func (e *Engine) finishSuccess(ctx context.Context, req *Request, rc *types.RequestContext, rules *policy.Rules, tr *traceBuilder, result *Result, key string) (*Result, error) {
	result.LatencyMS = nowMS(rc.Start)
	tr.SelfCheckScore = result.SelfCheckScore
	tr.Escalated = result.Escalated
	tr.FinalModel = result.FinalModel

	vendor := tr.ChosenVendor
	metrics.RequestsTotal.WithLabelValues(string(vendor), "ok").Inc()
	metrics.RequestLatency.WithLabelValues(string(vendor)).Observe(time.Since(rc.Start).Seconds())
	if result.Cost > 0 {
		metrics.CostUSDTotal.WithLabelValues(string(vendor)).Add(result.Cost)
	}

	e.runPostCall(ctx, req, rc, rules, key, result, "", false)
	return result, nil
}

// runPostCall assembles PostCallData for any terminal outcome and runs the
// pipeline. Errors inside the pipeline are its own problem.
func (e *Engine) runPostCall(ctx context.Context, req *Request, rc *types.RequestContext, rules *policy.Rules, cacheKey string, result *Result, errClass types.ErrorClass, cancelled bool) {
	if e.postcall == nil {
		return
	}
	d := &types.PostCallData{
		RequestID:  rc.RequestID,
		SessionID:  rc.SessionID,
		UserID:     rc.UserID,
		Prompt:     req.Prompt,
		CacheKey:   cacheKey,
		Cancelled:  cancelled,
		ErrorClass: errClass,
	}
	if result != nil {
		d.Response = result.Text
		d.Vendor = result.Decision.Vendor
		d.Model = result.FinalModel
		d.PromptTokens = result.PromptTokens
		d.CompletionTokens = result.CompletionTokens
		d.Cost = result.Cost
		d.CacheHit = result.CacheHit
	}
	e.postcall.Run(ctx, d, postcall.CacheParams{
		TTL:      rules.CacheTTL,
		MaxBytes: rules.CacheMaxEntryBytes,
	})
}
