// Package server is the HTTP entrypoint: content-type gating, shape
// normalization, identity resolution, response negotiation (JSON vs SSE),
// and the error-class-to-status mapping. All routing logic lives in the
// router engine; the server only frames requests and responses.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/normanking/relay/internal/auth"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/router"
	"github.com/normanking/relay/pkg/types"
)

// Identifier resolves the caller identity for a request.
type Identifier interface {
	Identify(r *http.Request) auth.Principal
}

// Server frames HTTP requests for the router engine.
type Server struct {
	engine *router.Engine
	auth   Identifier
	log    *logging.Logger
	start  time.Time
}

// New creates the server. auth may be nil, in which case every request runs
// as anon and authenticated routes are unreachable.
func New(engine *router.Engine, identifier Identifier) *Server {
	return &Server{
		engine: engine,
		auth:   identifier,
		log:    logging.Global().WithComponent("Server"),
		start:  time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("POST /ask/stream", s.handleAskStream)
	mux.HandleFunc("POST /ask/dry-explain", s.handleDryExplain)
	mux.HandleFunc("GET /ask/replay/{rid}", s.handleReplay)
	mux.HandleFunc("GET /ask/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe runs the server until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("[Server] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.log.Info("[Server] shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// identify resolves the caller, defaulting to anon.
func (s *Server) identify(r *http.Request) auth.Principal {
	if s.auth == nil {
		return auth.Anonymous()
	}
	return s.auth.Identify(r)
}

// newRequestContext builds the per-request context shared by all routes.
func (s *Server) newRequestContext(r *http.Request, n *normalized) types.RequestContext {
	p := s.identify(r)
	return types.RequestContext{
		RequestID:      uuid.NewString(),
		UserID:         p.UserID,
		Scopes:         p.Scopes,
		Start:          time.Now(),
		Shape:          n.Shape,
		NormalizedFrom: n.NormalizedFrom,
		Path:           r.URL.Path,
		SessionID:      n.SessionID,
	}
}
