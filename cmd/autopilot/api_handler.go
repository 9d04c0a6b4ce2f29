package main

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/farizattamimi/PMS-sub002/internal/api"
)

// liveAPI serves the API routes and rebuilds them when the rate limits are
// reloaded. Limiter buckets belong to one api.Server, so new limits mean a
// new server; requests in flight finish on the old one.
type liveAPI struct {
	mu      sync.Mutex
	deps    api.Deps
	handler atomic.Pointer[http.Handler]
}

func newLiveAPI(deps api.Deps) *liveAPI {
	l := &liveAPI{deps: deps}
	l.build()
	return l
}

func (l *liveAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*l.handler.Load()).ServeHTTP(w, r)
}

// SetLimits rebuilds the routes with the given limits. It reports false
// when the limits are unchanged.
func (l *liveAPI) SetLimits(limits api.Limits) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deps.Limits == limits {
		return false
	}
	l.deps.Limits = limits
	l.build()
	return true
}

// Limits returns the limits currently being served.
func (l *liveAPI) Limits() api.Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deps.Limits
}

func (l *liveAPI) build() {
	h := api.NewServer(l.deps).Handler()
	l.handler.Store(&h)
}
