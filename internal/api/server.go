// Package api serves the HTTP JSON interface of the autopilot: intake,
// run queries and streams, approvals, exceptions and operator controls.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/intake"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/secrets"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
)

// Deps holds the collaborators of the API server.
type Deps struct {
	Store         store.Store
	Engine        *engine.Engine
	Router        *intake.Router
	Manual        *intake.Manual
	Inbound       *intake.Inbound
	Verifier      *secrets.InboundVerifier
	Authenticator *identity.TokenAuthenticator
	Scopes        *identity.ScopeResolver
	Hub           streaming.EventHub
	Streamer      *streaming.StatusStreamer
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Limits        Limits
	Now           func() time.Time
}

// Server serves the API routes.
type Server struct {
	deps    Deps
	limiter *limiter
}

// NewServer creates a Server. Nil optional collaborators get defaults.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Scopes == nil && deps.Store != nil {
		deps.Scopes = identity.NewScopeResolver(deps.Store)
	}
	if deps.Streamer == nil && deps.Store != nil {
		deps.Streamer = streaming.NewStatusStreamer(deps.Store, 0, 0)
	}
	return &Server{deps: deps, limiter: newLimiter(deps.Limits)}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	// Channel intake authenticates with the channel's own secret.
	mux.HandleFunc("POST /api/inbound/{channel}", s.handleInbound)

	mux.Handle("POST /api/events", s.authed(s.handleEvent))
	mux.Handle("POST /api/runs", s.authed(s.limited(routeTrigger, s.handleTrigger)))
	mux.Handle("GET /api/runs", s.authed(s.limited(routeList, s.handleListRuns)))
	mux.Handle("GET /api/runs/{id}", s.authed(s.handleGetRun))
	mux.Handle("GET /api/runs/{id}/stream", s.authed(s.handleRunStream))
	mux.Handle("POST /api/runs/{id}/replay", s.authed(s.operator(s.handleReplay)))

	mux.Handle("GET /api/actions", s.authed(s.handleListActions))
	mux.Handle("POST /api/actions/{id}/approve", s.authed(s.handleApprove))
	mux.Handle("POST /api/actions/{id}/reject", s.authed(s.handleReject))

	mux.Handle("GET /api/exceptions", s.authed(s.handleListExceptions))
	mux.Handle("POST /api/exceptions/{id}/ack", s.authed(s.handleAckException))
	mux.Handle("POST /api/exceptions/{id}/resolve", s.authed(s.handleResolveException))

	mux.Handle("GET /api/governor", s.authed(s.handleGovernorStatus))
	mux.Handle("POST /api/governor/kill-switch", s.authed(s.operator(s.handleKillSwitch)))
	mux.Handle("POST /api/governor/resume", s.authed(s.operator(s.handleResume)))
	mux.Handle("POST /api/governor/evaluate", s.authed(s.operator(s.handleEvaluate)))
	mux.Handle("PUT /api/governor/thresholds", s.authed(s.operator(s.handleThresholds)))

	mux.Handle("PUT /api/properties/{id}/automation", s.authed(s.operator(s.handleAutomation)))
	mux.Handle("PUT /api/principals/{id}/properties/{property}", s.authed(s.operator(s.handleGrant)))
	mux.Handle("DELETE /api/principals/{id}/properties/{property}", s.authed(s.operator(s.handleRevoke)))

	mux.Handle("GET /api/events/stream", s.authed(s.operator(s.handleEventStream)))

	return s.recoverer(s.logRequests(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := s.deps.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
