package router

import (
	"github.com/normanking/relay/pkg/types"
)

// traceBuilder accumulates golden-trace fields as a request advances. It
// embeds the record so terminal paths can emit it directly.
type traceBuilder struct {
	types.TraceRecord
}

// baseTrace seeds the record with everything known before routing starts.
func (e *Engine) baseTrace(rc *types.RequestContext, req *Request) *traceBuilder {
	return &traceBuilder{TraceRecord: types.TraceRecord{
		RequestID:      rc.RequestID,
		UserID:         rc.UserID,
		Path:           rc.Path,
		Shape:          rc.Shape,
		NormalizedFrom: rc.NormalizedFrom,
		Intent:         rc.Intent,
		TokensEst:      rc.TokensEst,
		Stream:         req.Stream,
		TimeoutMS:      int64(rc.BudgetMS),
	}}
}

// setDecision records the decision currently driving execution. Called again
// after a fallback so the trace reflects the vendor that actually answered.
func (t *traceBuilder) setDecision(d types.RoutingDecision) {
	t.PickerReason = d.Reason
	t.ChosenVendor = d.Vendor
	t.ChosenModel = d.Model
	t.KeywordHit = d.KeywordHit
	t.AllowFallback = d.AllowFallback
	if t.FinalModel == "" {
		t.FinalModel = d.Model
	}
}
