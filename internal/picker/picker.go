// Package picker implements deterministic model selection: given prompt
// features, an optional client override, the policy rules, and the current
// vendor health view, it produces a RoutingDecision. The picker never calls
// a vendor and holds no state of its own.
package picker

import (
	"github.com/normanking/relay/internal/intent"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/policy"
	"github.com/normanking/relay/pkg/types"
)

// HealthView is the read-only slice of the health monitor the picker needs.
type HealthView interface {
	Healthy(v types.Vendor) bool
}

// Input carries the per-request features the selection rules consume.
type Input struct {
	Prompt          string
	Override        string // client model override, empty when absent
	Intent          types.Intent
	TokensEst       int
	WordCount       int
	AttachmentCount int
	ContextTokens   int // retrieved context size, 0 when no RAG context
	ContextChars    int
	OpsFileCount    int
	Stream          bool
	RequestID       string
}

// Picker selects (vendor, model, reason) from request features.
type Picker struct {
	log *logging.Logger
}

// New creates a picker.
func New() *Picker {
	return &Picker{log: logging.Global().WithComponent("Picker")}
}

// Pick evaluates the selection rules in order; the first match wins. The
// returned decision is immutable. Errors use the closed taxonomy:
// model_not_allowed for allow-list violations, all_vendors_unavailable when
// no healthy vendor remains.
func (p *Picker) Pick(in Input, rules *policy.Rules, health HealthView) (types.RoutingDecision, error) {
	if in.Override != "" {
		return p.pickOverride(in, rules, health)
	}

	d := p.pickHeuristic(in, rules)
	return p.applyHealth(d, rules, health)
}

// pickOverride validates a client override and routes it, downgrading to the
// opposite vendor when the override's vendor is unhealthy. Prefix inference
// only routes the override to a vendor; the allow-list still decides.
func (p *Picker) pickOverride(in Input, rules *policy.Rules, health HealthView) (types.RoutingDecision, error) {
	vendor, known := rules.VendorForOverride(in.Override)
	if !known {
		return types.RoutingDecision{}, types.E(types.ErrModelNotAllowed,
			"override "+in.Override+" does not map to a known vendor")
	}
	if rules.ValidateModel(in.Override, vendor) != policy.ValidationOK {
		return types.RoutingDecision{}, types.E(types.ErrModelNotAllowed,
			"model "+in.Override+" is not in the "+string(vendor)+" allow-list")
	}

	if !health.Healthy(vendor) {
		other := vendor.Opposite()
		if !health.Healthy(other) {
			return types.RoutingDecision{}, types.E(types.ErrAllVendorsUnavailable, "no healthy vendor")
		}
		p.log.Warn("[Picker] override vendor %s unhealthy, downgrading to %s", vendor, other)
		return p.decision(in, other, rules.DefaultModel(other), types.FallbackHealthReason(vendor), "", false), nil
	}

	return p.decision(in, vendor, in.Override, types.ReasonExplicitOverride, "", true), nil
}

// pickHeuristic applies the ordered heuristic table.
func (p *Picker) pickHeuristic(in Input, rules *policy.Rules) types.RoutingDecision {
	if in.WordCount > rules.HeavyWordCount || in.TokensEst > rules.HeavyTokens {
		return p.decision(in, types.VendorPrimary, rules.PrimaryHeavyModel, types.ReasonHeavyLength, "", true)
	}
	if kw := intent.FirstKeyword(in.Prompt, rules.Keywords); kw != "" {
		return p.decision(in, types.VendorPrimary, rules.PrimaryHeavyModel, types.ReasonKeyword, kw, true)
	}
	if in.Intent.Heavy() {
		return p.decision(in, types.VendorPrimary, rules.PrimaryHeavyModel, types.ReasonHeavyIntent, "", true)
	}
	if in.AttachmentCount > 0 {
		return p.decision(in, types.VendorPrimary, rules.PrimaryMidModel, types.ReasonAttachments, "", true)
	}
	if in.ContextTokens > rules.RAGLongContextTokens || in.ContextChars > rules.RAGLongContextChars {
		return p.decision(in, types.VendorPrimary, rules.PrimaryMidModel, types.ReasonLongContext, "", true)
	}
	if in.Intent == types.IntentOps {
		if in.OpsFileCount <= rules.OpsMaxFilesSimple {
			return p.decision(in, types.VendorSecondary, rules.SecondaryBaselineModel, types.ReasonOpsSimple, "", true)
		}
		return p.decision(in, types.VendorPrimary, rules.PrimaryMidModel, types.ReasonOpsComplex, "", true)
	}
	return p.decision(in, types.VendorSecondary, rules.SecondaryBaselineModel, types.ReasonLightDefault, "", true)
}

// applyHealth swaps an unhealthy choice to the opposite vendor's default
// model. The fallback decision carries AllowFallback=false so a later
// transient failure cannot bounce the request back.
func (p *Picker) applyHealth(d types.RoutingDecision, rules *policy.Rules, health HealthView) (types.RoutingDecision, error) {
	if health.Healthy(d.Vendor) {
		return d, nil
	}
	other := d.Vendor.Opposite()
	if !health.Healthy(other) {
		return types.RoutingDecision{}, types.E(types.ErrAllVendorsUnavailable, "no healthy vendor")
	}
	p.log.Info("[Picker] %s unhealthy, routing %s to %s", d.Vendor, d.RequestID, other)
	fallback := d
	fallback.Reason = types.FallbackHealthReason(d.Vendor)
	fallback.Vendor = other
	fallback.Model = rules.DefaultModel(other)
	fallback.KeywordHit = ""
	fallback.AllowFallback = false
	return fallback, nil
}

func (p *Picker) decision(in Input, vendor types.Vendor, model string, reason types.Reason, keyword string, allowFallback bool) types.RoutingDecision {
	return types.RoutingDecision{
		Vendor:        vendor,
		Model:         model,
		Reason:        reason,
		KeywordHit:    keyword,
		Stream:        in.Stream,
		AllowFallback: allowFallback,
		RequestID:     in.RequestID,
	}
}
