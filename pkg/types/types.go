// Package types defines shared types used across all Relay modules.
package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENDORS
// ═══════════════════════════════════════════════════════════════════════════════

// Vendor identifies a class of backend model provider. Exactly two vendors
// execute calls: primary (remote hosted API) and secondary (local model
// server). VendorCache appears only in traces for cache short-circuits.
type Vendor string

const (
	VendorPrimary   Vendor = "primary"
	VendorSecondary Vendor = "secondary"
	VendorCache     Vendor = "cache"
)

// Opposite returns the other executing vendor.
func (v Vendor) Opposite() Vendor {
	if v == VendorPrimary {
		return VendorSecondary
	}
	return VendorPrimary
}

// Known reports whether v is one of the two executing vendors.
func (v Vendor) Known() bool {
	return v == VendorPrimary || v == VendorSecondary
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING DECISION
// ═══════════════════════════════════════════════════════════════════════════════

// Reason explains why the picker chose a (vendor, model) pair.
type Reason string

const (
	ReasonExplicitOverride        Reason = "explicit_override"
	ReasonHeavyLength             Reason = "heavy_length"
	ReasonKeyword                 Reason = "keyword"
	ReasonHeavyIntent             Reason = "heavy_intent"
	ReasonAttachments             Reason = "attachments"
	ReasonLongContext             Reason = "long_context"
	ReasonOpsSimple               Reason = "ops_simple"
	ReasonOpsComplex              Reason = "ops_complex"
	ReasonLightDefault            Reason = "light_default"
	ReasonFallbackPrimaryHealth   Reason = "fallback_primary_health"
	ReasonFallbackSecondaryHealth Reason = "fallback_secondary_health"
	ReasonCacheHit                Reason = "cache_hit"
)

// FallbackHealthReason returns the reason recorded when routing away from an
// unhealthy vendor.
func FallbackHealthReason(unhealthy Vendor) Reason {
	if unhealthy == VendorPrimary {
		return ReasonFallbackPrimaryHealth
	}
	return ReasonFallbackSecondaryHealth
}

// RoutingDecision is the immutable output of the model picker. A decision may
// be replaced once by a fallback decision carrying AllowFallback=false, which
// prevents recursive fallback.
type RoutingDecision struct {
	Vendor        Vendor `json:"vendor"`
	Model         string `json:"model"`
	Reason        Reason `json:"reason"`
	KeywordHit    string `json:"keyword_hit,omitempty"`
	Stream        bool   `json:"stream"`
	AllowFallback bool   `json:"allow_fallback"`
	RequestID     string `json:"request_id"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// INTENTS AND SHAPES
// ═══════════════════════════════════════════════════════════════════════════════

// Intent is the coarse classification of what the user is asking for.
type Intent string

const (
	IntentChat      Intent = "chat"
	IntentSmalltalk Intent = "smalltalk"
	IntentSearch    Intent = "search"
	IntentRecall    Intent = "recall"
	IntentCode      Intent = "code"
	IntentAnalysis  Intent = "analysis"
	IntentResearch  Intent = "research"
	IntentOps       Intent = "ops"
)

// Heavy reports whether the intent routes to the heavy primary model.
func (i Intent) Heavy() bool {
	return i == IntentAnalysis || i == IntentResearch
}

// Shape describes the payload form the prompt arrived in.
type Shape string

const (
	ShapeText   Shape = "text"
	ShapeChat   Shape = "chat"
	ShapeNested Shape = "nested"
)

// Message is one turn of a chat-shaped prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST CONTEXT
// ═══════════════════════════════════════════════════════════════════════════════

// AnonUser is the user id recorded for unauthenticated requests.
const AnonUser = "anon"

// RequestContext is created at the entrypoint and lives until the response
// completes. It is passed by value; cancellation travels separately via
// context.Context.
type RequestContext struct {
	RequestID      string          `json:"request_id"`
	UserID         string          `json:"user_id"`
	Scopes         map[string]bool `json:"scopes,omitempty"`
	Start          time.Time       `json:"-"`
	BudgetMS       int             `json:"budget_ms"`
	Deadline       time.Time       `json:"-"`
	Intent         Intent          `json:"intent"`
	TokensEst      int             `json:"tokens_est"`
	Shape          Shape           `json:"shape"`
	NormalizedFrom string          `json:"normalized_from,omitempty"`
	Path           string          `json:"path"`
	SessionID      string          `json:"session_id,omitempty"`
}

// Authenticated reports whether the request carries a real identity.
func (rc *RequestContext) Authenticated() bool {
	return rc.UserID != "" && rc.UserID != AnonUser
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADAPTER SURFACE
// ═══════════════════════════════════════════════════════════════════════════════

// GenOptions are pass-through generation options.
type GenOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// CallRequest is the uniform request shape every vendor adapter accepts.
type CallRequest struct {
	Prompt  string
	System  string
	Model   string
	Stream  bool
	OnToken func(token string)
	Timeout time.Duration
	Opts    GenOptions
}

// CallResponse is the uniform response shape every vendor adapter returns.
type CallResponse struct {
	Text             string            `json:"text"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	Cost             float64           `json:"cost"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Adapter is the call surface the orchestrator depends on. Concrete adapters
// live in internal/vendor and are wired in at the composition root, so the
// router never imports them directly.
type Adapter interface {
	// Call executes a completion. When req.Stream is true the adapter invokes
	// req.OnToken for every decoded chunk and still returns the full text.
	Call(ctx context.Context, req *CallRequest) (*CallResponse, error)

	// Ping performs a cheap liveness check against the backend.
	Ping(ctx context.Context) error

	// Vendor identifies which routing slot this adapter fills.
	Vendor() Vendor
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY
// ═══════════════════════════════════════════════════════════════════════════════

// ErrorClass is the closed set of failure categories. Only the HTTP edge maps
// these to status codes.
type ErrorClass string

const (
	ErrInvalidRequest        ErrorClass = "invalid_request"
	ErrBlockedByPolicy       ErrorClass = "blocked_by_policy"
	ErrEmptyPrompt           ErrorClass = "empty_prompt"
	ErrUnsupportedMediaType  ErrorClass = "unsupported_media_type"
	ErrAuth                  ErrorClass = "auth_error"
	ErrModelNotAllowed       ErrorClass = "model_not_allowed"
	ErrRateLimited           ErrorClass = "rate_limited"
	ErrQuotaExceeded         ErrorClass = "quota_exceeded"
	ErrTimeout               ErrorClass = "timeout"
	ErrVendorUnavailable     ErrorClass = "vendor_unavailable"
	ErrAllVendorsUnavailable ErrorClass = "all_vendors_unavailable"
	ErrProvider4xx           ErrorClass = "provider_4xx"
	ErrProvider5xx           ErrorClass = "provider_5xx"
	ErrNetwork               ErrorClass = "network"
	ErrDownstream            ErrorClass = "downstream_error"
	ErrCancelled             ErrorClass = "cancelled"
	ErrUnknown               ErrorClass = "unknown"
)

// Retryable reports whether this class may trigger a router-level fallback.
// Provider 4xx responses never do.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrTimeout, ErrProvider5xx, ErrNetwork, ErrVendorUnavailable:
		return true
	default:
		return false
	}
}

// Error is a categorized failure carried through the routing hot path instead
// of ad hoc sentinel values.
type Error struct {
	Class ErrorClass
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return string(e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a categorized error.
func E(class ErrorClass, msg string) *Error {
	return &Error{Class: class, Msg: msg}
}

// Wrap builds a categorized error around an underlying cause.
func Wrap(class ErrorClass, msg string, err error) *Error {
	return &Error{Class: class, Msg: msg, Err: err}
}

// ClassOf extracts the error class, defaulting to unknown.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return ErrUnknown
}

// ═══════════════════════════════════════════════════════════════════════════════
// POST-CALL PIPELINE
// ═══════════════════════════════════════════════════════════════════════════════

// PostCallData carries everything the post-call pipeline needs. It is
// assembled once at terminal outcome and never mutated by the steps.
type PostCallData struct {
	RequestID        string
	SessionID        string
	UserID           string
	Prompt           string
	Response         string
	Vendor           Vendor
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	CacheKey         string
	CacheHit         bool
	Cancelled        bool
	ErrorClass       ErrorClass
	Metadata         map[string]string
}

// Success reports whether the outcome is a non-error terminal success.
func (d *PostCallData) Success() bool {
	return d.ErrorClass == "" && !d.Cancelled
}

// PostCallResult records which best-effort steps completed.
type PostCallResult struct {
	History   bool `json:"history"`
	Analytics bool `json:"analytics"`
	Memory    bool `json:"memory"`
	Claims    bool `json:"claims"`
	CacheSet  bool `json:"cache_set"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY AND CLAIMS
// ═══════════════════════════════════════════════════════════════════════════════

// HistoryRecord is one completed request as persisted for recall.
type HistoryRecord struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	SessionID        string    `json:"session_id,omitempty"`
	UserID           string    `json:"user_id"`
	Prompt           string    `json:"prompt"`
	Response         string    `json:"response"`
	Vendor           Vendor    `json:"vendor"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	ErrorClass       string    `json:"error_class,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Claim is a derived factual statement extracted from a conversation.
type Claim struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	RequestID string    `json:"request_id"`
	Subject   string    `json:"subject"`
	Statement string    `json:"statement"`
	CreatedAt time.Time `json:"created_at"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// GOLDEN TRACE
// ═══════════════════════════════════════════════════════════════════════════════

// TraceRecord is the once-per-request golden routing record. It is emitted
// exactly once for every request, including errors and client disconnects.
type TraceRecord struct {
	TS             time.Time  `json:"ts"`
	RequestID      string     `json:"request_id"`
	UserID         string     `json:"user_id"`
	Path           string     `json:"path"`
	Shape          Shape      `json:"shape"`
	NormalizedFrom string     `json:"normalized_from,omitempty"`
	Intent         Intent     `json:"intent"`
	TokensEst      int        `json:"tokens_est"`
	PickerReason   Reason     `json:"picker_reason"`
	ChosenVendor   Vendor     `json:"chosen_vendor"`
	ChosenModel    string     `json:"chosen_model"`
	KeywordHit     string     `json:"keyword_hit,omitempty"`
	Stream         bool       `json:"stream"`
	DryRun         bool       `json:"dry_run"`
	CBUserOpen     bool       `json:"cb_user_open"`
	CBGlobalOpen   bool       `json:"cb_global_open"`
	AllowFallback  bool       `json:"allow_fallback"`
	CacheHit       bool       `json:"cache_hit"`
	LatencyMS      int64      `json:"latency_ms"`
	TimeoutMS      int64      `json:"timeout_ms"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
	SelfCheckScore *float64   `json:"self_check_score,omitempty"`
	Escalated      bool       `json:"escalated,omitempty"`
	FinalModel     string     `json:"final_model,omitempty"`
	ErrorClass     ErrorClass `json:"error_class,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// SEMANTIC CACHE
// ═══════════════════════════════════════════════════════════════════════════════

// CacheEntry is a stored response keyed by normalized prompt fingerprint.
type CacheEntry struct {
	Key       string            `json:"key"`
	Text      string            `json:"text"`
	Model     string            `json:"model"`
	Vendor    Vendor            `json:"vendor"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
