package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/normanking/relay/internal/auth"
	"github.com/normanking/relay/internal/breaker"
	"github.com/normanking/relay/internal/cache"
	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/health"
	"github.com/normanking/relay/internal/policy"
	"github.com/normanking/relay/internal/router"
	"github.com/normanking/relay/internal/trace"
	"github.com/normanking/relay/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ═══════════════════════════════════════════════════════════════════════════════

type stubAdapter struct {
	vendor types.Vendor
	reply  func(req *types.CallRequest) (*types.CallResponse, error)

	mu    sync.Mutex
	calls int
}

func (a *stubAdapter) Call(_ context.Context, req *types.CallRequest) (*types.CallResponse, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.reply != nil {
		return a.reply(req)
	}
	if req.Stream && req.OnToken != nil {
		req.OnToken("hel")
		req.OnToken("lo")
	}
	return &types.CallResponse{Text: "hello"}, nil
}

func (a *stubAdapter) Ping(context.Context) error { return nil }
func (a *stubAdapter) Vendor() types.Vendor       { return a.vendor }

type memTraceStore struct {
	mu     sync.Mutex
	traces map[string]*types.TraceRecord
}

func (m *memTraceStore) SaveTrace(_ context.Context, rec *types.TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.traces[rec.RequestID] = &cp
	return nil
}

func (m *memTraceStore) GetTrace(_ context.Context, rid string) (*types.TraceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.traces[rid]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

type testEnv struct {
	server    *Server
	primary   *stubAdapter
	secondary *stubAdapter
	traces    *memTraceStore
}

func newEnv() *testEnv {
	env := &testEnv{
		primary:   &stubAdapter{vendor: types.VendorPrimary},
		secondary: &stubAdapter{vendor: types.VendorSecondary},
		traces:    &memTraceStore{traces: make(map[string]*types.TraceRecord)},
	}
	engine := router.New(router.Deps{
		Policy:   policy.NewEngine(""),
		Health:   health.NewMonitor(),
		GlobalCB: breaker.NewGlobal(5, 30*time.Second),
		UserCB:   breaker.NewPerUser(3, time.Minute),
		Adapters: map[types.Vendor]types.Adapter{
			types.VendorPrimary:   env.primary,
			types.VendorSecondary: env.secondary,
		},
		Cache:  cache.New(cache.NewMemoryStore(16)),
		Tracer: trace.NewEmitter(env.traces),
	})
	identifier := auth.NewService([]auth.Token{{Secret: "tok", UserID: "norman"}})
	env.server = New(engine, identifier)
	return env
}

func post(t *testing.T, h http.Handler, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ═══════════════════════════════════════════════════════════════════════════════
// GATES AND NORMALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func TestContentTypeGate(t *testing.T) {
	env := newEnv()
	req := httptest.NewRequest("POST", "/ask", strings.NewReader("prompt=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestEmptyPrompt(t *testing.T) {
	env := newEnv()
	rec := post(t, env.server.Handler(), "/ask", `{"prompt":"   "}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestMalformedBody(t *testing.T) {
	env := newEnv()
	rec := post(t, env.server.Handler(), "/ask", `{"prompt":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSafetyPrecheck(t *testing.T) {
	env := newEnv()
	rec := post(t, env.server.Handler(), "/ask", `{"prompt":"please run rm -rf / on the host"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "blocked_by_policy") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if env.primary.calls+env.secondary.calls != 0 {
		t.Error("blocked prompt must not reach a vendor")
	}
}

func TestNormalizeAliases(t *testing.T) {
	bodies := []string{
		`{"prompt":"hi there"}`,
		`{"message":"hi there"}`,
		`{"text":"hi there"}`,
		`{"query":"hi there"}`,
		`{"q":"hi there"}`,
		`{"input":{"text":"hi there"}}`,
		`{"input":{"prompt":"hi there"}}`,
		`{"prompt":[{"role":"user","content":"hi there"}]}`,
		`{"input":{"messages":[{"role":"user","content":"hi there"}]}}`,
	}
	for _, body := range bodies {
		env := newEnv()
		rec := post(t, env.server.Handler(), "/ask", body, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, body = %s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	p := &askPayload{Q: "Hello World"}
	first, err := normalize(p)
	if err != nil {
		t.Fatal(err)
	}
	again, err := normalize(&askPayload{Prompt: json.RawMessage(`"` + first.Prompt + `"`)})
	if err != nil {
		t.Fatal(err)
	}
	if again.Prompt != first.Prompt {
		t.Errorf("normalize not idempotent: %q vs %q", again.Prompt, first.Prompt)
	}
}

func TestChatShapeJoinsTurns(t *testing.T) {
	p := &askPayload{Prompt: json.RawMessage(
		`[{"role":"user","content":"first"},{"role":"assistant","content":"reply"},{"role":"user","content":"second"}]`)}
	n, err := normalize(p)
	if err != nil {
		t.Fatal(err)
	}
	if n.Shape != types.ShapeChat {
		t.Errorf("shape = %s", n.Shape)
	}
	if !strings.Contains(n.Prompt, "first") || !strings.Contains(n.Prompt, "assistant: reply") {
		t.Errorf("prompt = %q", n.Prompt)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK
// ═══════════════════════════════════════════════════════════════════════════════

func TestAskSuccess(t *testing.T) {
	env := newEnv()
	rec := post(t, env.server.Handler(), "/ask", `{"prompt":"hi there"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["response"] != "hello" {
		t.Errorf("response = %q", body["response"])
	}
	if rec.Header().Get("X-Request-ID") == "" || rec.Header().Get("X-Trace-ID") == "" {
		t.Error("request/trace id headers missing")
	}
}

func TestAskModelNotAllowed(t *testing.T) {
	env := newEnv()
	rec := post(t, env.server.Handler(), "/ask", `{"prompt":"hi","model":"gpt-secret"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAskAllVendorsDown(t *testing.T) {
	env := newEnv()
	boom := func(*types.CallRequest) (*types.CallResponse, error) {
		return nil, types.E(types.ErrVendorUnavailable, "down")
	}
	env.primary.reply = boom
	env.secondary.reply = boom

	rec := post(t, env.server.Handler(), "/ask", `{"prompt":"hi there"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAskStreamingFrames(t *testing.T) {
	env := newEnv()
	rec := post(t, env.server.Handler(), "/ask", `{"prompt":"hi there","stream":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: hel\n\n") || !strings.Contains(body, "data: lo\n\n") {
		t.Errorf("frames missing: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("terminal sentinel missing: %q", body)
	}
}

func TestAskStreamingInlineError(t *testing.T) {
	env := newEnv()
	env.secondary.reply = func(*types.CallRequest) (*types.CallResponse, error) {
		return nil, types.E(types.ErrRateLimited, "slow down")
	}
	env.primary.reply = env.secondary.reply

	rec := post(t, env.server.Handler(), "/ask", `{"prompt":"hi there","stream":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "data: [error:rate_limited]\n\n") {
		t.Errorf("inline error token missing: %q", rec.Body.String())
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STREAM / DRY-EXPLAIN / REPLAY / STATUS
// ═══════════════════════════════════════════════════════════════════════════════

func TestAskStreamEvents(t *testing.T) {
	env := newEnv()
	rec := post(t, env.server.Handler(), "/ask/stream", `{"prompt":"hi there"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: route\n", "event: delta\ndata: hel\n\n", "event: done\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in %q", want, body)
		}
	}
}

func TestAskStreamErrorEvent(t *testing.T) {
	env := newEnv()
	boom := func(*types.CallRequest) (*types.CallResponse, error) {
		return nil, types.E(types.ErrVendorUnavailable, "down")
	}
	env.primary.reply = boom
	env.secondary.reply = boom

	rec := post(t, env.server.Handler(), "/ask/stream", `{"prompt":"hi there"}`, nil)
	body := rec.Body.String()
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, "vendor_unavailable") {
		t.Errorf("error event missing: %q", body)
	}
}

func TestDryExplain(t *testing.T) {
	env := newEnv()
	rec := post(t, env.server.Handler(), "/ask/dry-explain", `{"prompt":"analyze this sql benchmark"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out dryExplainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.DryRun || out.ChosenVendor != types.VendorPrimary || out.PickerReason != types.ReasonKeyword {
		t.Errorf("unexpected explanation: %+v", out)
	}
	if env.primary.calls+env.secondary.calls != 0 {
		t.Error("dry-explain must not call a vendor")
	}
}

func TestReplayRequiresAuth(t *testing.T) {
	env := newEnv()
	req := httptest.NewRequest("GET", "/ask/replay/some-rid", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestReplayAuthenticated(t *testing.T) {
	env := newEnv()
	env.traces.traces["rid-1"] = &types.TraceRecord{
		RequestID:    "rid-1",
		ChosenVendor: types.VendorSecondary,
		ChosenModel:  "llama3.1:8b",
		PickerReason: types.ReasonLightDefault,
		Intent:       types.IntentSmalltalk,
		TokensEst:    3,
	}

	req := httptest.NewRequest("GET", "/ask/replay/rid-1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Trace  types.TraceRecord  `json:"trace"`
		Replay trace.ReplayResult `json:"replay"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Trace.RequestID != "rid-1" || body.Replay.RequestID != "rid-1" {
		t.Errorf("replay body: %+v", body)
	}
	if len(body.Replay.Changed) != 0 {
		t.Errorf("same rules must produce no diff, changed = %v", body.Replay.Changed)
	}
}

func TestReplayUnknownRID(t *testing.T) {
	env := newEnv()
	req := httptest.NewRequest("GET", "/ask/replay/nope", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	env := newEnv()
	req := httptest.NewRequest("GET", "/ask/status", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["vendors"]; !ok {
		t.Errorf("vendors missing: %v", body)
	}
}
