// Package policy owns the router rules: allow-lists, thresholds, budgets,
// and keyword tables. Rules are layered in precedence order: in-process
// defaults, then environment variables, then the rules file. The file is
// hot-reloaded on mtime change; a malformed file keeps the last good snapshot.
package policy

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/relay/pkg/types"
)

// Rules is one immutable snapshot of router policy. Callers must treat a
// snapshot as read-only; the engine replaces the whole value on reload.
type Rules struct {
	// Budgets and timeouts
	BudgetMS           int `yaml:"budget_ms" json:"budget_ms"`
	PrimaryTimeoutMS   int `yaml:"primary_timeout_ms" json:"primary_timeout_ms"`
	SecondaryTimeoutMS int `yaml:"secondary_timeout_ms" json:"secondary_timeout_ms"`

	// Allow-lists (disjoint sets)
	AllowedPrimaryModels   []string `yaml:"allowed_primary_models" json:"allowed_primary_models"`
	AllowedSecondaryModels []string `yaml:"allowed_secondary_models" json:"allowed_secondary_models"`

	// Model slots referenced by picker reasons
	PrimaryHeavyModel      string `yaml:"primary_heavy_model" json:"primary_heavy_model"`
	PrimaryMidModel        string `yaml:"primary_mid_model" json:"primary_mid_model"`
	PrimaryDefaultModel    string `yaml:"primary_default_model" json:"primary_default_model"`
	SecondaryBaselineModel string `yaml:"secondary_baseline_model" json:"secondary_baseline_model"`

	// Heuristic thresholds
	HeavyWordCount       int      `yaml:"heavy_word_count" json:"heavy_word_count"`
	HeavyTokens          int      `yaml:"heavy_tokens" json:"heavy_tokens"`
	Keywords             []string `yaml:"keywords" json:"keywords"`
	RAGLongContextTokens int      `yaml:"rag_long_context_tokens" json:"rag_long_context_tokens"`
	RAGLongContextChars  int      `yaml:"rag_long_context_chars" json:"rag_long_context_chars"`
	OpsMaxFilesSimple    int      `yaml:"ops_max_files_simple" json:"ops_max_files_simple"`

	// Circuit breakers
	UserCBThreshold   int           `yaml:"user_cb_threshold" json:"user_cb_threshold"`
	UserCBCooldown    time.Duration `yaml:"user_cb_cooldown" json:"user_cb_cooldown"`
	GlobalCBThreshold int           `yaml:"global_cb_threshold" json:"global_cb_threshold"`
	GlobalCBCooldown  time.Duration `yaml:"global_cb_cooldown" json:"global_cb_cooldown"`

	// Self-check and escalation
	SelfCheckFailThreshold float64 `yaml:"self_check_fail_threshold" json:"self_check_fail_threshold"`
	MaxRetriesPerRequest   int     `yaml:"max_retries_per_request" json:"max_retries_per_request"`
	BudgetQuotaBreached    bool    `yaml:"budget_quota_breached" json:"budget_quota_breached"`

	// Semantic cache
	SimThreshold       float64       `yaml:"sim_threshold" json:"sim_threshold"`
	CacheTTL           time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	CacheMaxEntryBytes int           `yaml:"cache_max_entry_bytes" json:"cache_max_entry_bytes"`

	// Health probing
	StartupVendorPings bool `yaml:"startup_vendor_pings" json:"startup_vendor_pings"`
}

// Default returns the in-process constants, the lowest layer of precedence.
func Default() Rules {
	return Rules{
		BudgetMS:           7000,
		PrimaryTimeoutMS:   6000,
		SecondaryTimeoutMS: 6000,

		AllowedPrimaryModels:   []string{"gpt-4o", "gpt-4o-mini"},
		AllowedSecondaryModels: []string{"llama3.1:8b", "llama3.2:3b"},

		PrimaryHeavyModel:      "gpt-4o",
		PrimaryMidModel:        "gpt-4o-mini",
		PrimaryDefaultModel:    "gpt-4o-mini",
		SecondaryBaselineModel: "llama3.1:8b",

		HeavyWordCount:       220,
		HeavyTokens:          1200,
		Keywords:             []string{"code", "analyze", "sql", "benchmark", "vector"},
		RAGLongContextTokens: 2000,
		RAGLongContextChars:  8000,
		OpsMaxFilesSimple:    3,

		UserCBThreshold:   3,
		UserCBCooldown:    60 * time.Second,
		GlobalCBThreshold: 5,
		GlobalCBCooldown:  30 * time.Second,

		SelfCheckFailThreshold: 0.45,
		MaxRetriesPerRequest:   1,

		SimThreshold:       0.92,
		CacheTTL:           15 * time.Minute,
		CacheMaxEntryBytes: 64 * 1024,

		StartupVendorPings: false,
	}
}

// applyEnv overlays recognized environment variables on top of r.
func (r *Rules) applyEnv() {
	if v, ok := envInt("ROUTER_BUDGET_MS"); ok {
		r.BudgetMS = v
	}
	if v, ok := envInt("PRIMARY_TIMEOUT_MS"); ok {
		r.PrimaryTimeoutMS = v
	}
	if v, ok := envInt("SECONDARY_TIMEOUT_MS"); ok {
		r.SecondaryTimeoutMS = v
	}
	if v, ok := envList("ALLOWED_PRIMARY_MODELS"); ok {
		r.AllowedPrimaryModels = v
	}
	if v, ok := envList("ALLOWED_SECONDARY_MODELS"); ok {
		r.AllowedSecondaryModels = v
	}
	if v, ok := envInt("MODEL_ROUTER_HEAVY_WORDS"); ok {
		r.HeavyWordCount = v
	}
	if v, ok := envInt("MODEL_ROUTER_HEAVY_TOKENS"); ok {
		r.HeavyTokens = v
	}
	if v, ok := envList("MODEL_ROUTER_KEYWORDS"); ok {
		r.Keywords = v
	}
	if v, ok := envInt("USER_CB_THRESHOLD"); ok {
		r.UserCBThreshold = v
	}
	if v, ok := envInt("USER_CB_COOLDOWN"); ok {
		r.UserCBCooldown = time.Duration(v) * time.Second
	}
	if v, ok := envFloat("SELF_CHECK_FAIL_THRESHOLD"); ok {
		r.SelfCheckFailThreshold = v
	}
	if v, ok := envInt("MAX_RETRIES_PER_REQUEST"); ok {
		r.MaxRetriesPerRequest = v
	}
	if v, ok := envBool("BUDGET_QUOTA_BREACHED"); ok {
		r.BudgetQuotaBreached = v
	}
	if v, ok := envFloat("SIM_THRESHOLD"); ok {
		r.SimThreshold = v
	}
	if v, ok := envBool("STARTUP_VENDOR_PINGS"); ok {
		r.StartupVendorPings = v
	}
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(key string) (bool, bool) {
	s := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch s {
	case "":
		return false, false
	case "1", "true", "yes", "on":
		return true, true
	default:
		return false, true
	}
}

func envList(key string) ([]string, bool) {
	s := os.Getenv(key)
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, len(out) > 0
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODEL VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════

// Validation outcomes for an override model against the allow-lists.
type ValidationResult int

const (
	ValidationOK ValidationResult = iota
	ValidationUnknownVendor
	ValidationModelNotAllowed
)

// ValidateModel checks a model against the allow-list of the given vendor.
func (r *Rules) ValidateModel(model string, vendor types.Vendor) ValidationResult {
	var list []string
	switch vendor {
	case types.VendorPrimary:
		list = r.AllowedPrimaryModels
	case types.VendorSecondary:
		list = r.AllowedSecondaryModels
	default:
		return ValidationUnknownVendor
	}
	for _, m := range list {
		if m == model {
			return ValidationOK
		}
	}
	return ValidationModelNotAllowed
}

// VendorForOverride routes a client override to its vendor. Allow-list
// membership wins; prefix inference is used only to route the override, it
// never bypasses validation.
func (r *Rules) VendorForOverride(model string) (types.Vendor, bool) {
	for _, m := range r.AllowedPrimaryModels {
		if m == model {
			return types.VendorPrimary, true
		}
	}
	for _, m := range r.AllowedSecondaryModels {
		if m == model {
			return types.VendorSecondary, true
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "chatgpt"):
		return types.VendorPrimary, true
	case strings.HasPrefix(lower, "llama"), strings.HasPrefix(lower, "qwen"),
		strings.HasPrefix(lower, "mistral"), strings.HasPrefix(lower, "phi"),
		strings.Contains(model, ":"):
		return types.VendorSecondary, true
	}
	return "", false
}

// DefaultModel returns the fallback default model for a vendor.
func (r *Rules) DefaultModel(vendor types.Vendor) string {
	if vendor == types.VendorPrimary {
		return r.PrimaryDefaultModel
	}
	return r.SecondaryBaselineModel
}

// VendorTimeout returns the adapter deadline for a vendor.
func (r *Rules) VendorTimeout(vendor types.Vendor) time.Duration {
	if vendor == types.VendorPrimary {
		return time.Duration(r.PrimaryTimeoutMS) * time.Millisecond
	}
	return time.Duration(r.SecondaryTimeoutMS) * time.Millisecond
}
