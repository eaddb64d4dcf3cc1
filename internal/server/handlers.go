package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/router"
	"github.com/normanking/relay/pkg/types"
)

const maxBodyBytes = 1 << 20

// readPayload gates the content type, decodes the body, and normalizes the
// shape. Every POST route goes through here.
func readPayload(w http.ResponseWriter, r *http.Request) (*normalized, error) {
	ct := r.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "application/json" {
		return nil, types.E(types.ErrUnsupportedMediaType, "content type must be application/json")
	}

	var payload askPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		return nil, types.Wrap(types.ErrInvalidRequest, "malformed JSON body", err)
	}

	n, err := normalize(&payload)
	if err != nil {
		return nil, err
	}
	if err := safetyPrecheck(n.Prompt); err != nil {
		return nil, err
	}
	return n, nil
}

func echoIDs(w http.ResponseWriter, rc *types.RequestContext) {
	w.Header().Set("X-Request-ID", rc.RequestID)
	w.Header().Set("X-Trace-ID", rc.RequestID)
}

func wantsSSE(r *http.Request, n *normalized) bool {
	return n.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// ═══════════════════════════════════════════════════════════════════════════════
// POST /ask
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	n, err := readPayload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	rc := s.newRequestContext(r, n)
	echoIDs(w, &rc)

	if wantsSSE(r, n) {
		s.streamPlain(w, r, rc, n)
		return
	}

	res, err := s.engine.Ask(r.Context(), &router.Request{
		Ctx:      rc,
		Prompt:   n.Prompt,
		Override: n.Override,
		Opts:     n.Opts,
		DocIDs:   n.DocIDs,
		Context:  n.Context,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": res.Text})
}

// streamPlain is the /ask streaming mode: bare data frames per token, inline
// error tokens, and a terminal sentinel.
func (s *Server) streamPlain(w http.ResponseWriter, r *http.Request, rc types.RequestContext, n *normalized) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.E(types.ErrInvalidRequest, "streaming unsupported by connection"))
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	_, err := s.engine.Ask(r.Context(), &router.Request{
		Ctx:      rc,
		Prompt:   n.Prompt,
		Override: n.Override,
		Stream:   true,
		Opts:     n.Opts,
		DocIDs:   n.DocIDs,
		Context:  n.Context,
		OnToken: func(tok string) {
			fmt.Fprintf(w, "data: %s\n\n", tok)
			flusher.Flush()
		},
	})
	if err != nil {
		fmt.Fprintf(w, "data: [error:%s]\n\n", streamCategory(types.ClassOf(err)))
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// ═══════════════════════════════════════════════════════════════════════════════
// POST /ask/stream
// ═══════════════════════════════════════════════════════════════════════════════

// handleAskStream is the named-event SSE mode: a route event with the
// decision, delta events per token, and a terminal done or error event.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	n, err := readPayload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	rc := s.newRequestContext(r, n)
	echoIDs(w, &rc)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.E(types.ErrInvalidRequest, "streaming unsupported by connection"))
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	var routed types.RoutingDecision
	res, err := s.engine.Ask(r.Context(), &router.Request{
		Ctx:      rc,
		Prompt:   n.Prompt,
		Override: n.Override,
		Stream:   true,
		Opts:     n.Opts,
		DocIDs:   n.DocIDs,
		Context:  n.Context,
		OnRoute: func(d types.RoutingDecision) {
			routed = d
			writeEventJSON(w, flusher, "route", d)
		},
		OnToken: func(tok string) {
			fmt.Fprintf(w, "event: delta\ndata: %s\n\n", tok)
			flusher.Flush()
		},
	})

	terminal := map[string]any{
		"rid":    rc.RequestID,
		"vendor": routed.Vendor,
		"model":  routed.Model,
	}
	if err != nil {
		terminal["error_class"] = types.ClassOf(err)
		writeEventJSON(w, flusher, "error", terminal)
		return
	}
	terminal["vendor"] = res.Decision.Vendor
	terminal["model"] = res.FinalModel
	if res.CacheHit {
		terminal["vendor"] = types.VendorCache
	}
	writeEventJSON(w, flusher, "done", terminal)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeEventJSON(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

// ═══════════════════════════════════════════════════════════════════════════════
// POST /ask/dry-explain
// ═══════════════════════════════════════════════════════════════════════════════

// dryExplainResponse mirrors the golden-trace fields relevant to routing.
type dryExplainResponse struct {
	TS             time.Time    `json:"ts"`
	RID            string       `json:"rid"`
	UID            string       `json:"uid"`
	Path           string       `json:"path"`
	Shape          types.Shape  `json:"shape"`
	NormalizedFrom string       `json:"normalized_from,omitempty"`
	OverrideIn     string       `json:"override_in,omitempty"`
	Intent         types.Intent `json:"intent"`
	TokensEst      int          `json:"tokens_est"`
	PickerReason   types.Reason `json:"picker_reason"`
	ChosenVendor   types.Vendor `json:"chosen_vendor"`
	ChosenModel    string       `json:"chosen_model"`
	KeywordHit     string       `json:"keyword_hit,omitempty"`
	DryRun         bool         `json:"dry_run"`
	CBUserOpen     bool         `json:"cb_user_open"`
	CBGlobalOpen   bool         `json:"cb_global_open"`
	AllowFallback  bool         `json:"allow_fallback"`
	Stream         bool         `json:"stream"`
	WouldCacheHit  bool         `json:"would_cache_hit"`
}

func (s *Server) handleDryExplain(w http.ResponseWriter, r *http.Request) {
	n, err := readPayload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	rc := s.newRequestContext(r, n)
	echoIDs(w, &rc)

	out, err := s.engine.DryExplain(r.Context(), &router.Request{
		Ctx:      rc,
		Prompt:   n.Prompt,
		Override: n.Override,
		Stream:   n.Stream,
		DocIDs:   n.DocIDs,
		Context:  n.Context,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dryExplainResponse{
		TS:             time.Now().UTC(),
		RID:            rc.RequestID,
		UID:            rc.UserID,
		Path:           rc.Path,
		Shape:          rc.Shape,
		NormalizedFrom: rc.NormalizedFrom,
		OverrideIn:     n.Override,
		Intent:         out.Intent,
		TokensEst:      out.TokensEst,
		PickerReason:   out.Decision.Reason,
		ChosenVendor:   out.Decision.Vendor,
		ChosenModel:    out.Decision.Model,
		KeywordHit:     out.Decision.KeywordHit,
		DryRun:         true,
		CBUserOpen:     out.CBUserOpen,
		CBGlobalOpen:   out.CBGlobalOpen,
		AllowFallback:  out.Decision.AllowFallback,
		Stream:         n.Stream,
		WouldCacheHit:  out.WouldCache,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// GET /ask/replay/{rid}
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	p := s.identify(r)
	if p.UserID == types.AnonUser {
		writeError(w, types.E(types.ErrAuth, "authentication required"))
		return
	}

	rid := r.PathValue("rid")
	stored, err := s.engine.Trace(r.Context(), rid)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Detail: "trace not found"})
			return
		}
		writeError(w, err)
		return
	}

	replay, err := s.engine.Replay(r.Context(), rid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trace":  stored,
		"replay": replay,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status(r.Context())
	status["uptime_s"] = int64(time.Since(s.start).Seconds())
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
