// Package router is the orchestrator: it drives one request through the
// per-request state machine (normalize → cache probe → pick → execute →
// self-check → post-call → trace) and owns the fallback policy. The router
// depends only on the Adapter interface; concrete adapters are wired in at
// the composition root.
package router

import (
	"context"
	"time"

	"github.com/normanking/relay/internal/breaker"
	"github.com/normanking/relay/internal/cache"
	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/health"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/picker"
	"github.com/normanking/relay/internal/policy"
	"github.com/normanking/relay/internal/postcall"
	"github.com/normanking/relay/internal/trace"
	"github.com/normanking/relay/pkg/types"
)

// Engine coordinates all routing components for the lifetime of the process.
type Engine struct {
	policy   *policy.Engine
	picker   *picker.Picker
	health   *health.Monitor
	globalCB *breaker.Global
	userCB   *breaker.PerUser
	adapters map[types.Vendor]types.Adapter
	cache    *cache.Cache
	postcall *postcall.Pipeline
	tracer   *trace.Emitter
	store    *data.Store
	log      *logging.Logger
}

// Deps are the collaborators the engine is wired with at startup.
type Deps struct {
	Policy   *policy.Engine
	Health   *health.Monitor
	GlobalCB *breaker.Global
	UserCB   *breaker.PerUser
	Adapters map[types.Vendor]types.Adapter
	Cache    *cache.Cache
	PostCall *postcall.Pipeline
	Tracer   *trace.Emitter
	Store    *data.Store
}

// New creates the engine.
func New(deps Deps) *Engine {
	return &Engine{
		policy:   deps.Policy,
		picker:   picker.New(),
		health:   deps.Health,
		globalCB: deps.GlobalCB,
		userCB:   deps.UserCB,
		adapters: deps.Adapters,
		cache:    deps.Cache,
		postcall: deps.PostCall,
		tracer:   deps.Tracer,
		store:    deps.Store,
		log:      logging.Global().WithComponent("Router"),
	}
}

// Request is one normalized ask, produced by the entrypoint.
type Request struct {
	Ctx      types.RequestContext
	Prompt   string
	Override string
	Stream   bool
	Opts     types.GenOptions
	DocIDs   []string // attachment / retrieved-doc ids
	Context  string   // retrieved context text, empty without RAG

	// OnToken receives streamed tokens in emission order. Only consulted
	// when Stream is true.
	OnToken func(token string)

	// OnRoute, when set, is called once with the decision before execution
	// (or with the cache pseudo-decision on a hit). SSE uses it to emit the
	// route event ahead of the first token.
	OnRoute func(d types.RoutingDecision)
}

// Result is the terminal outcome of a routed request.
type Result struct {
	Decision         types.RoutingDecision
	Text             string
	CacheHit         bool
	FallbackReason   string
	SelfCheckScore   *float64
	Escalated        bool
	FinalModel       string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	LatencyMS        int64
}

// Rules exposes the current policy snapshot, for the entrypoint and CLI.
func (e *Engine) Rules() policy.Rules {
	return e.policy.Snapshot()
}

// Status reports the live state of the routing subsystems.
func (e *Engine) Status(ctx context.Context) map[string]any {
	healthSnap := e.health.Snapshot()
	vendors := make(map[string]any, len(healthSnap))
	for v, h := range healthSnap {
		vendors[string(v)] = map[string]any{
			"healthy":           h.Healthy,
			"ever_succeeded":    h.EverSucceeded,
			"consecutive_fails": h.ConsecutiveFails,
			"breaker_open":      e.globalCB.Open(v),
		}
	}

	status := map[string]any{
		"vendors":       vendors,
		"user_circuits": e.userCB.Len(),
	}
	if e.cache != nil {
		status["cache_entries"] = e.cache.Len(ctx)
	}
	if e.store != nil {
		if spend, err := e.store.VendorSpend(ctx); err == nil {
			bySpend := make(map[string]float64, len(spend))
			for v, usd := range spend {
				bySpend[string(v)] = usd
			}
			status["spend_usd"] = bySpend
		}
	}
	return status
}

// nowMS returns elapsed milliseconds since start.
func nowMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
