package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/logging"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusQueued:    {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusEscalated, schema.RunStatusQueued},
	schema.RunStatusEscalated: {schema.RunStatusQueued},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// emitter publishes lifecycle events. Publishing is best effort: the store
// is the source of truth and a lost event never fails a transition.
type emitter struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

func (e emitter) emit(ctx context.Context, ev streaming.StreamEvent) {
	if e.hub == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := e.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logging.LogWith(ctx, e.logger).Warn("publish lifecycle event failed",
			slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
	}
}

func (e emitter) emitRun(ctx context.Context, run *store.Run, eventType string, payload map[string]any) {
	e.emit(ctx, streaming.StreamEvent{
		RunID:      run.ID,
		PropertyID: run.PropertyID,
		EventType:  eventType,
		Status:     string(run.Status),
		Payload:    payload,
	})
}

// runTransitioner applies validated CAS transitions to runs and announces
// the ones that applied.
type runTransitioner struct {
	store store.RunStore
	emitter
}

// transition moves run from tr.From to tr.To. It reports false, with no
// error, when a concurrent actor changed the row first. On success the
// in-memory run reflects the new state.
func (t *runTransitioner) transition(ctx context.Context, run *store.Run, tr store.RunTransition, eventType string, payload map[string]any) (bool, error) {
	if !isValidRunTransition(tr.From, tr.To) {
		return false, schema.NewErrorf(schema.ErrCodeConflict,
			"invalid run transition: %s -> %s", tr.From, tr.To).WithRun(run.ID)
	}
	// Writes after a handler returns must land even if the caller is
	// shutting down.
	ok, err := t.store.TransitionRun(context.WithoutCancel(ctx), run.ID, tr)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "transition run: %s", err.Error()).
			WithRun(run.ID).WithCause(err)
	}
	if !ok {
		return false, nil
	}

	run.Status = tr.To
	run.UpdatedAt = time.Now().UTC()
	if tr.Meta != nil {
		run.Meta = *tr.Meta
	}
	if tr.Summary != nil {
		run.Summary = *tr.Summary
	}
	if tr.Error != nil {
		run.Error = *tr.Error
	}
	switch {
	case tr.ClearStartedAt:
		run.StartedAt = nil
	case tr.StartedAt != nil:
		run.StartedAt = tr.StartedAt
	}
	switch {
	case tr.ClearCompletedAt:
		run.CompletedAt = nil
	case tr.CompletedAt != nil:
		run.CompletedAt = tr.CompletedAt
	}

	if eventType != "" {
		t.emitRun(ctx, run, eventType, payload)
	}
	return true, nil
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
