package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/logging"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// sseWriter writes Server-Sent Events. Headers are sent with the first
// event so an error before it can still be a plain JSON response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleRunStream pushes run snapshots until the run settles, the caller
// loses access to its property, or the stream cap elapses.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeExecution, "streaming not supported"))
		return
	}
	ctx := r.Context()
	runID := r.PathValue("id")
	p := identity.PrincipalFrom(ctx)

	inScope := func(ctx context.Context, run *store.Run) (bool, error) {
		sc, err := s.deps.Scopes.Resolve(ctx, p)
		if err != nil {
			return false, err
		}
		return sc.Allows(run.PropertyID), nil
	}

	done := s.deps.Metrics.StreamOpened()
	reason, err := s.deps.Streamer.Stream(ctx, runID, inScope, func(f streaming.Frame) error {
		return sw.send("run", f)
	})
	if err != nil {
		done("error")
		if !sw.started {
			writeError(w, err)
			return
		}
		logging.LogWith(logging.WithRunID(ctx, runID), s.deps.Logger).
			Warn("run stream failed", slog.String("error", err.Error()))
		_ = sw.send("error", map[string]string{"message": "stream failed"})
		return
	}
	done(string(reason))
	if reason != streaming.EndClient {
		_ = sw.send("end", map[string]string{"reason": string(reason)})
	}
}

// handleEventStream relays lifecycle events to operators.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeExecution, "streaming not supported"))
		return
	}
	if s.deps.Hub == nil {
		writeError(w, schema.NewError(schema.ErrCodeHandlerMissing, "event hub is not configured"))
		return
	}
	q := r.URL.Query()
	filter := streaming.EventFilter{RunID: q.Get("run_id")}
	if t := q["event_type"]; len(t) > 0 {
		filter.EventTypes = t
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("event stream subscribe failed", slog.String("error", err.Error()))
		writeError(w, schema.NewError(schema.ErrCodeExecution, "subscribe failed").WithCause(err))
		return
	}
	defer cancel()

	done := s.deps.Metrics.StreamOpened()
	if err := sw.send("ready", map[string]bool{"ok": true}); err != nil {
		done(string(streaming.EndClient))
		return
	}
	for {
		select {
		case <-r.Context().Done():
			done(string(streaming.EndClient))
			return
		case event, ok := <-ch:
			if !ok {
				done(string(streaming.EndGone))
				return
			}
			if err := sw.send(event.EventType, event); err != nil {
				done(string(streaming.EndClient))
				return
			}
		}
	}
}
