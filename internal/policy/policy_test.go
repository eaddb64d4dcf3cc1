package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/normanking/relay/pkg/types"
)

func TestDefaultRules(t *testing.T) {
	r := Default()

	if r.BudgetMS != 7000 {
		t.Errorf("expected default budget 7000ms, got %d", r.BudgetMS)
	}
	if len(r.AllowedPrimaryModels) == 0 || len(r.AllowedSecondaryModels) == 0 {
		t.Error("expected default allow-lists to be populated")
	}
	if r.UserCBThreshold <= 0 {
		t.Error("expected a positive per-user breaker threshold")
	}
}

func TestValidateModel(t *testing.T) {
	r := Default()
	r.AllowedPrimaryModels = []string{"gpt-4o"}
	r.AllowedSecondaryModels = []string{"llama3.1:8b"}

	tests := []struct {
		model  string
		vendor types.Vendor
		want   ValidationResult
	}{
		{"gpt-4o", types.VendorPrimary, ValidationOK},
		{"gpt-forbidden", types.VendorPrimary, ValidationModelNotAllowed},
		{"llama3.1:8b", types.VendorSecondary, ValidationOK},
		{"gpt-4o", types.VendorSecondary, ValidationModelNotAllowed},
		{"gpt-4o", types.Vendor("mystery"), ValidationUnknownVendor},
	}

	for _, tt := range tests {
		if got := r.ValidateModel(tt.model, tt.vendor); got != tt.want {
			t.Errorf("ValidateModel(%q, %s) = %v, want %v", tt.model, tt.vendor, got, tt.want)
		}
	}
}

func TestVendorForOverride(t *testing.T) {
	r := Default()

	// Allow-list membership wins over prefix.
	if v, ok := r.VendorForOverride("gpt-4o"); !ok || v != types.VendorPrimary {
		t.Errorf("expected primary for gpt-4o, got %s ok=%v", v, ok)
	}

	// Prefix inference routes but does not authorize.
	if v, ok := r.VendorForOverride("gpt-forbidden"); !ok || v != types.VendorPrimary {
		t.Errorf("expected prefix-routed primary for gpt-forbidden, got %s ok=%v", v, ok)
	}
	if r.ValidateModel("gpt-forbidden", types.VendorPrimary) != ValidationModelNotAllowed {
		t.Error("prefix inference must not bypass the allow-list")
	}

	if v, ok := r.VendorForOverride("qwen3:4b"); !ok || v != types.VendorSecondary {
		t.Errorf("expected secondary for qwen3:4b, got %s ok=%v", v, ok)
	}

	if _, ok := r.VendorForOverride("totally-unknown-model"); ok {
		t.Error("expected unknown vendor for unroutable model name")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROUTER_BUDGET_MS", "2500")
	t.Setenv("ALLOWED_PRIMARY_MODELS", "gpt-4o, gpt-4.1")
	t.Setenv("USER_CB_COOLDOWN", "9")
	t.Setenv("BUDGET_QUOTA_BREACHED", "true")

	e := NewEngine("")
	r := e.Snapshot()

	if r.BudgetMS != 2500 {
		t.Errorf("expected env budget 2500, got %d", r.BudgetMS)
	}
	if len(r.AllowedPrimaryModels) != 2 || r.AllowedPrimaryModels[1] != "gpt-4.1" {
		t.Errorf("expected trimmed allow-list from env, got %v", r.AllowedPrimaryModels)
	}
	if r.UserCBCooldown != 9*time.Second {
		t.Errorf("expected 9s cooldown, got %v", r.UserCBCooldown)
	}
	if !r.BudgetQuotaBreached {
		t.Error("expected quota breached flag from env")
	}
}

func TestRulesFileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	write := func(content string, mtime time.Time) {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}

	write("heavy_word_count: 50\n", time.Now().Add(-time.Hour))

	e := NewEngine(path)
	if got := e.Snapshot().HeavyWordCount; got != 50 {
		t.Fatalf("expected heavy_word_count 50 from file, got %d", got)
	}

	// Bypass the stat throttle and change the file.
	write("heavy_word_count: 75\n", time.Now().Add(time.Hour))
	e.lastCheck = time.Time{}
	if got := e.Snapshot().HeavyWordCount; got != 75 {
		t.Fatalf("expected reloaded heavy_word_count 75, got %d", got)
	}

	// Malformed file keeps the last good snapshot.
	write("heavy_word_count: [not a number\n", time.Now().Add(2*time.Hour))
	e.lastCheck = time.Time{}
	if got := e.Snapshot().HeavyWordCount; got != 75 {
		t.Fatalf("malformed file must keep last good snapshot, got %d", got)
	}
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("budget_ms: 4000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := CheckFile(path)
	if err != nil {
		t.Fatalf("CheckFile: %v", err)
	}
	if r.BudgetMS != 4000 {
		t.Errorf("expected 4000, got %d", r.BudgetMS)
	}

	if _, err := CheckFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
