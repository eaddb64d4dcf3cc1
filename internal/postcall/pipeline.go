// Package postcall runs the best-effort work after a request reaches its
// terminal outcome: history append, analytics, claim extraction, and cache
// write-through. Steps are independent; a failing step is logged and counted
// but never affects the response or the other steps.
package postcall

import (
	"context"
	"time"

	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/memoryx"
	"github.com/normanking/relay/internal/metrics"
	"github.com/normanking/relay/pkg/types"
)

// stepTimeout caps each step so a stuck backend cannot pin goroutines.
const stepTimeout = 5 * time.Second

// Storage is the slice of the data layer the pipeline writes to.
type Storage interface {
	AppendHistory(ctx context.Context, rec *types.HistoryRecord) error
	InsertClaims(ctx context.Context, claims []types.Claim) error
	InsertAnalytics(ctx context.Context, ev *data.AnalyticsEvent) error
}

// CacheWriter is the write-through surface of the response cache.
type CacheWriter interface {
	WriteThrough(ctx context.Context, entry *types.CacheEntry, ttl time.Duration, maxBytes int) bool
}

// Pipeline executes the post-call steps.
type Pipeline struct {
	store Storage
	cache CacheWriter
	log   *logging.Logger
}

// New creates a pipeline. cache may be nil when caching is disabled.
func New(store Storage, cache CacheWriter) *Pipeline {
	return &Pipeline{
		store: store,
		cache: cache,
		log:   logging.Global().WithComponent("PostCall"),
	}
}

// CacheParams carries the write-through policy for one run.
type CacheParams struct {
	TTL      time.Duration
	MaxBytes int
}

// Run executes the pipeline for one terminal outcome and reports which steps
// completed. The context is detached per step, so a client disconnect that
// cancelled the request cannot cancel the bookkeeping.
//
// On a cancelled request only history and analytics run: a partial response
// must never seed the cache or the memory store.
func (p *Pipeline) Run(ctx context.Context, d *types.PostCallData, cp CacheParams) types.PostCallResult {
	var result types.PostCallResult

	result.History = p.step(ctx, "history", func(ctx context.Context) error {
		return p.store.AppendHistory(ctx, &types.HistoryRecord{
			RequestID:        d.RequestID,
			SessionID:        d.SessionID,
			UserID:           d.UserID,
			Prompt:           d.Prompt,
			Response:         d.Response,
			Vendor:           d.Vendor,
			Model:            d.Model,
			PromptTokens:     d.PromptTokens,
			CompletionTokens: d.CompletionTokens,
			Cost:             d.Cost,
			ErrorClass:       errorClassLabel(d),
		})
	})

	result.Analytics = p.step(ctx, "analytics", func(ctx context.Context) error {
		return p.store.InsertAnalytics(ctx, &data.AnalyticsEvent{
			RequestID: d.RequestID,
			Vendor:    d.Vendor,
			Model:     d.Model,
			Outcome:   outcomeLabel(d),
			CostUSD:   d.Cost,
			CacheHit:  d.CacheHit,
		})
	})

	if d.Cancelled || !d.Success() {
		return result
	}

	result.Memory = p.step(ctx, "memory", func(ctx context.Context) error {
		claims := memoryx.Extract(d.UserID, d.RequestID, d.Prompt)
		if len(claims) == 0 {
			return nil
		}
		if err := p.store.InsertClaims(ctx, claims); err != nil {
			return err
		}
		result.Claims = true
		return nil
	})

	if p.cache != nil && d.CacheKey != "" && !d.CacheHit {
		result.CacheSet = p.step(ctx, "cache_set", func(ctx context.Context) error {
			p.cache.WriteThrough(ctx, &types.CacheEntry{
				Key:      d.CacheKey,
				Text:     d.Response,
				Model:    d.Model,
				Vendor:   d.Vendor,
				Metadata: d.Metadata,
			}, cp.TTL, cp.MaxBytes)
			return nil
		})
	}

	return result
}

// step runs one best-effort unit with its own detached deadline.
func (p *Pipeline) step(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	stepCtx, cancel := logging.DetachContextWithTimeout(ctx, stepTimeout)
	defer cancel()

	if err := fn(stepCtx); err != nil {
		p.log.Warn("[PostCall] step %s failed: %v", name, err)
		metrics.PostCallFailures.WithLabelValues(name).Inc()
		return false
	}
	return true
}

func errorClassLabel(d *types.PostCallData) string {
	if d.Cancelled {
		return string(types.ErrCancelled)
	}
	return string(d.ErrorClass)
}

func outcomeLabel(d *types.PostCallData) string {
	if d.Cancelled {
		return "cancelled"
	}
	if d.ErrorClass != "" {
		return string(d.ErrorClass)
	}
	return "ok"
}
