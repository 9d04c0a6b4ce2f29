package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Rate-limited route classes.
const (
	routeTrigger = "runs.trigger"
	routeList    = "runs.list"
)

// RateLimit is a token bucket: Rate tokens per second, Burst capacity.
type RateLimit struct {
	Rate  float64 `json:"rate" yaml:"rate"`
	Burst int     `json:"burst" yaml:"burst"`
}

// Limits holds the per-caller limits of each rate-limited route.
type Limits struct {
	Trigger RateLimit `json:"trigger" yaml:"trigger"`
	List    RateLimit `json:"list" yaml:"list"`
}

// DefaultLimits allows 10 manual triggers per minute and 5 list calls per
// second per caller.
func DefaultLimits() Limits {
	return Limits{
		Trigger: RateLimit{Rate: 10.0 / 60, Burst: 5},
		List:    RateLimit{Rate: 5, Burst: 10},
	}
}

type limiter struct {
	mu      sync.Mutex
	limits  map[string]RateLimit
	buckets map[string]*rate.Limiter
}

func newLimiter(l Limits) *limiter {
	d := DefaultLimits()
	if l.Trigger.Rate <= 0 {
		l.Trigger = d.Trigger
	}
	if l.List.Rate <= 0 {
		l.List = d.List
	}
	return &limiter{
		limits:  map[string]RateLimit{routeTrigger: l.Trigger, routeList: l.List},
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *limiter) allow(route, caller string) bool {
	l.mu.Lock()
	key := route + "|" + caller
	b, ok := l.buckets[key]
	if !ok {
		lim := l.limits[route]
		burst := lim.Burst
		if burst < 1 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(lim.Rate), burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

type scopeKey struct{}

func withScope(ctx context.Context, sc identity.Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, sc)
}

func scopeFrom(ctx context.Context) identity.Scope {
	sc, _ := ctx.Value(scopeKey{}).(identity.Scope)
	return sc
}

// authed resolves the bearer token to a principal and its current scope.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Authenticator == nil {
			writeError(w, schema.NewError(schema.ErrCodeUnauthenticated, "authentication is not configured"))
			return
		}
		p, err := s.deps.Authenticator.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		sc, err := s.deps.Scopes.Resolve(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := withScope(identity.WithPrincipal(r.Context(), p), sc)
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) operator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identity.PrincipalFrom(r.Context()).IsOperator() {
			writeError(w, schema.NewError(schema.ErrCodePermission, "operator role required"))
			return
		}
		next(w, r)
	}
}

func (s *Server) limited(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := identity.PrincipalFrom(r.Context())
		if !s.limiter.allow(route, p.ID) {
			s.deps.Metrics.RateLimited(route)
			w.Header().Set("Retry-After", "1")
			writeError(w, schema.NewErrorf(schema.ErrCodeRateLimited, "rate limit exceeded for %s", route))
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers flush through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= 500 {
			level = slog.LevelError
		}
		s.deps.Logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.deps.Logger.Error("http handler panic",
					slog.String("path", r.URL.Path), slog.String("panic", fmt.Sprint(v)))
				writeError(w, schema.NewError(schema.ErrCodeExecution, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
