package intake

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/logging"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Result is the response of every intake surface.
type Result struct {
	OK        bool   `json:"ok"`
	RunID     string `json:"run_id,omitempty"`
	DedupeKey string `json:"dedupe_key,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Skip reasons.
const (
	ReasonDuplicate = "duplicate"
	ReasonUnrouted  = "unrouted"
)

// MaxAttemptsLimit bounds a caller-supplied retry budget.
const MaxAttemptsLimit = 100

// Request describes a run to create. A zero MaxAttempts uses the
// enqueuer's default.
type Request struct {
	WorkflowType schema.WorkflowType
	TriggerType  schema.TriggerType
	TriggerRef   string
	PropertyID   string
	Payload      map[string]any
	MaxAttempts  int
}

// Enqueuer creates QUEUED runs. The trigger_ref uniqueness constraint is
// the dedup authority: a lookup first avoids work, and the conditional
// insert settles concurrent duplicates.
type Enqueuer struct {
	runs        store.RunStore
	hub         streaming.EventHub
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// EnqueuerOptions configures NewEnqueuer.
type EnqueuerOptions struct {
	Hub         streaming.EventHub
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// NewEnqueuer creates an enqueuer over runs.
func NewEnqueuer(runs store.RunStore, opts EnqueuerOptions) *Enqueuer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = engine.DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Enqueuer{
		runs:        runs,
		hub:         opts.Hub,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Now returns the enqueuer's clock reading.
func (q *Enqueuer) Now() time.Time { return q.now().UTC() }

// Exists reports whether a run already carries triggerRef.
func (q *Enqueuer) Exists(ctx context.Context, triggerRef string) (bool, error) {
	return q.runs.RunExists(ctx, triggerRef)
}

// Enqueue creates the run unless its trigger_ref is taken. A duplicate is
// reported as a skipped Result, not an error.
func (q *Enqueuer) Enqueue(ctx context.Context, req Request) (*Result, error) {
	if !req.WorkflowType.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow type %q", req.WorkflowType)
	}
	if req.TriggerRef == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger_ref is required")
	}
	maxAttempts := req.MaxAttempts
	switch {
	case maxAttempts < 0 || maxAttempts > MaxAttemptsLimit:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"max_attempts must be between 1 and %d", MaxAttemptsLimit)
	case maxAttempts == 0:
		maxAttempts = q.maxAttempts
	}

	dup, err := q.runs.RunExists(ctx, req.TriggerRef)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "dedup lookup failed").WithCause(err)
	}
	if dup {
		return q.duplicate(ctx, req), nil
	}

	now := q.Now()
	meta, err := engine.NewMeta(req.Payload, maxAttempts, now).Encode()
	if err != nil {
		return nil, err
	}
	run := &store.Run{
		ID:           uuid.New().String(),
		WorkflowType: req.WorkflowType,
		TriggerType:  req.TriggerType,
		TriggerRef:   req.TriggerRef,
		PropertyID:   req.PropertyID,
		Status:       schema.RunStatusQueued,
		Meta:         meta,
		CreatedAt:    now,
	}
	created, err := q.runs.CreateRun(ctx, run)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create run failed").WithCause(err)
	}
	if !created {
		return q.duplicate(ctx, req), nil
	}

	q.metrics.Intake(string(req.TriggerType), "queued")
	q.publish(ctx, streaming.StreamEvent{
		RunID:      run.ID,
		PropertyID: run.PropertyID,
		EventType:  schema.EventRunQueued,
		Status:     string(run.Status),
		Payload: map[string]any{
			"workflow_type": string(run.WorkflowType),
			"trigger_type":  string(run.TriggerType),
			"trigger_ref":   run.TriggerRef,
		},
	})
	logging.LogWith(logging.WithRun(ctx, run.ID, run.PropertyID), q.logger).Info("run queued",
		slog.String("workflow_type", string(run.WorkflowType)),
		slog.String("trigger_ref", run.TriggerRef))
	return &Result{OK: true, RunID: run.ID, DedupeKey: run.TriggerRef}, nil
}

func (q *Enqueuer) duplicate(ctx context.Context, req Request) *Result {
	q.metrics.Intake(string(req.TriggerType), ReasonDuplicate)
	q.publish(ctx, streaming.StreamEvent{
		PropertyID: req.PropertyID,
		EventType:  schema.EventRunDeduplicated,
		Payload:    map[string]any{"trigger_ref": req.TriggerRef},
	})
	q.logger.DebugContext(ctx, "duplicate trigger skipped", slog.String("trigger_ref", req.TriggerRef))
	return &Result{OK: true, Skipped: true, Reason: ReasonDuplicate, DedupeKey: req.TriggerRef}
}

func (q *Enqueuer) publish(ctx context.Context, ev streaming.StreamEvent) {
	if q.hub == nil {
		return
	}
	ev.Timestamp = q.Now()
	if err := q.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		q.logger.WarnContext(ctx, "publish intake event failed",
			slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
	}
}
