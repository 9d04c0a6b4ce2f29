package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/farizattamimi/PMS-sub002/internal/logging"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Outcome is what happened to a claimed run.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeEscalated      Outcome = "escalated"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
	// OutcomeBlocked means the governor blocked dispatch and the run went
	// back to the queue with its attempt count unchanged.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeInterrupted means the caller was cancelled mid-handler and the
	// run was requeued without an attempt penalty.
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeLost means a concurrent actor changed the run first.
	OutcomeLost Outcome = "lost"
)

// BatchResult tallies one RunBatch call.
type BatchResult struct {
	Claimed        int `json:"claimed"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	Escalated      int `json:"escalated"`
	RetryScheduled int `json:"retry_scheduled"`
	DeadLettered   int `json:"dead_lettered"`
	Requeued       int `json:"requeued"`
	Lost           int `json:"lost"`
}

func (b *BatchResult) record(o Outcome) {
	switch o {
	case OutcomeCompleted:
		b.Completed++
	case OutcomeFailed:
		b.Failed++
	case OutcomeEscalated:
		b.Escalated++
	case OutcomeRetryScheduled:
		b.RetryScheduled++
	case OutcomeDeadLettered:
		b.DeadLettered++
	case OutcomeBlocked, OutcomeInterrupted:
		b.Requeued++
	case OutcomeLost:
		b.Lost++
	}
}

// RunBatch claims and dispatches up to BatchSize runs, one after another.
// It stops early when the queue has nothing due or the governor blocks.
// Independent RunBatch calls may run concurrently.
func (e *Engine) RunBatch(ctx context.Context) (*BatchResult, error) {
	res := &BatchResult{}
	for res.Claimed < e.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		run, err := e.claimer.ClaimNext(ctx)
		if err != nil {
			return res, err
		}
		if run == nil {
			break
		}
		res.Claimed++
		out, err := e.Dispatch(ctx, run)
		res.record(out)
		if err != nil {
			return res, err
		}
		if out == OutcomeBlocked || out == OutcomeInterrupted {
			break
		}
	}
	return res, nil
}

// ClaimNext claims the next due run, or returns nil.
func (e *Engine) ClaimNext(ctx context.Context) (*store.Run, error) {
	return e.claimer.ClaimNext(ctx)
}

// Replay requeues a dead-lettered run.
func (e *Engine) Replay(ctx context.Context, runID string) (*store.Run, error) {
	return e.retry.Replay(ctx, runID)
}

// Dispatch runs a claimed (RUNNING) run through the gates and its handler,
// then records the outcome.
func (e *Engine) Dispatch(ctx context.Context, run *store.Run) (Outcome, error) {
	ctx = logging.WithRun(ctx, run.ID, run.PropertyID)
	out, err := e.dispatch(ctx, run)
	if out != "" {
		e.metrics.Dispatch(string(run.WorkflowType), string(out))
	}
	return out, err
}

func (e *Engine) dispatch(ctx context.Context, run *store.Run) (Outcome, error) {
	log := logging.LogWith(ctx, e.logger)

	meta, err := DecodeMeta(run.Meta)
	if err != nil {
		log.Error("run metadata undecodable", slog.String("error", err.Error()))
		return e.terminate(ctx, run, schema.RunStatusFailed, err, schema.EventRunFailed, OutcomeFailed)
	}

	decision, err := e.governor.CanExecuteAutonomy(ctx)
	if err != nil {
		log.Error("governor check failed", slog.String("error", err.Error()))
		decision = &Decision{Reason: "governor state unavailable"}
	}
	if !decision.Allowed {
		out, rerr := e.requeue(ctx, run, "governor: "+decision.Reason, OutcomeBlocked)
		if rerr == nil && out == OutcomeBlocked {
			log.Info("dispatch blocked by governor", slog.String("reason", decision.Reason))
		}
		return out, rerr
	}

	if run.PropertyID != "" {
		settings, err := e.store.GetPropertySettings(ctx, run.PropertyID)
		if err != nil {
			if _, rerr := e.requeue(ctx, run, "property settings unavailable", OutcomeInterrupted); rerr != nil {
				return "", errors.Join(err, rerr)
			}
			return OutcomeInterrupted, fmt.Errorf("read property settings: %w", err)
		}
		if !settings.AutomationEnabled {
			cause := schema.NewErrorf(schema.ErrCodeScopeDisabled,
				"automation disabled for property %s", run.PropertyID)
			log.Info("property automation disabled, parking run for replay")
			return e.parkForReplay(ctx, run, meta, cause)
		}
	}

	h, ok := e.registry.Get(run.WorkflowType)
	if !ok {
		cause := schema.NewErrorf(schema.ErrCodeHandlerMissing,
			"no handler registered for %s", run.WorkflowType)
		log.Error("no handler for workflow type", slog.String("workflow_type", string(run.WorkflowType)))
		return e.terminate(ctx, run, schema.RunStatusFailed, cause, schema.EventRunFailed, OutcomeFailed)
	}

	inv := Invocation{
		RunID:        run.ID,
		WorkflowType: run.WorkflowType,
		TriggerType:  run.TriggerType,
		TriggerRef:   run.TriggerRef,
		PropertyID:   run.PropertyID,
		Attempt:      meta.Attempts + 1,
		MaxAttempts:  meta.MaxAttempts,
		Payload:      meta.Payload,
	}
	result, herr := e.invoke(ctx, h, inv, newRecorder(e.store, run, e.runs.emitter))
	if herr == nil {
		now := e.now().UTC()
		ok, err := e.runs.transition(ctx, run, store.RunTransition{
			From:        schema.RunStatusRunning,
			To:          schema.RunStatusCompleted,
			Summary:     &result.Summary,
			Error:       strPtr(""),
			CompletedAt: &now,
		}, schema.EventRunCompleted, map[string]any{"summary": result.Summary})
		if err != nil {
			return "", err
		}
		if !ok {
			return OutcomeLost, nil
		}
		log.Info("run completed", slog.String("summary", result.Summary))
		return OutcomeCompleted, nil
	}

	if ctx.Err() != nil {
		return e.requeue(ctx, run, "interrupted: "+ctx.Err().Error(), OutcomeInterrupted)
	}
	log.Warn("handler failed", slog.Int("attempt", inv.Attempt), slog.String("error", herr.Error()))
	return e.retry.HandleFailure(ctx, run, meta, herr)
}

type handlerReturn struct {
	result *Result
	err    error
}

// invoke calls h under the handler timeout. A timeout is reported as a
// retryable TIMEOUT_ERROR; the abandoned handler keeps a cancelled context.
func (e *Engine) invoke(ctx context.Context, h Handler, inv Invocation, rec *Recorder) (*Result, error) {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan handlerReturn, 1)
	start := e.now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerReturn{err: schema.NewErrorf(schema.ErrCodeExecution, "handler panic: %v", r)}
			}
		}()
		res, err := h.Handle(hctx, inv, rec)
		done <- handlerReturn{result: res, err: err}
	}()

	var out handlerReturn
	select {
	case out = <-done:
	case <-hctx.Done():
		select {
		case out = <-done:
		default:
			out.err = hctx.Err()
		}
	}
	e.metrics.HandlerDuration(string(inv.WorkflowType), e.now().Sub(start))

	if out.err != nil {
		if ctx.Err() == nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"handler exceeded %s", e.cfg.HandlerTimeout).WithRun(inv.RunID).WithCause(out.err)
		}
		return nil, out.err
	}
	if out.result == nil {
		out.result = &Result{}
	}
	return out.result, nil
}

// requeue returns a RUNNING run to the queue without touching its
// metadata, so no attempt is charged.
func (e *Engine) requeue(ctx context.Context, run *store.Run, reason string, out Outcome) (Outcome, error) {
	ok, err := e.runs.transition(ctx, run, store.RunTransition{
		From:           schema.RunStatusRunning,
		To:             schema.RunStatusQueued,
		Error:          &reason,
		ClearStartedAt: true,
	}, schema.EventRunRequeued, map[string]any{"reason": reason})
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeLost, nil
	}
	return out, nil
}

// terminate moves a RUNNING run to a terminal status with cause recorded.
// Metadata is kept for inspection.
// parkForReplay escalates run into the dead-letter queue without spending
// an attempt, so it can be replayed once its scope is re-enabled.
func (e *Engine) parkForReplay(ctx context.Context, run *store.Run, meta *Meta, cause error) (Outcome, error) {
	next := *meta
	next.DLQ = true
	encoded, err := next.Encode()
	if err != nil {
		return "", err
	}
	msg := cause.Error()
	ok, err := e.runs.transition(ctx, run, store.RunTransition{
		From:        schema.RunStatusRunning,
		To:          schema.RunStatusEscalated,
		Meta:        &encoded,
		Error:       &msg,
		CompletedAt: timePtr(e.now().UTC()),
	}, schema.EventRunEscalated, map[string]any{"error": msg, "code": schema.Code(cause), "dlq": true})
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeLost, nil
	}
	return OutcomeEscalated, nil
}

func (e *Engine) terminate(ctx context.Context, run *store.Run, to schema.RunStatus, cause error, eventType string, out Outcome) (Outcome, error) {
	msg := cause.Error()
	ok, err := e.runs.transition(ctx, run, store.RunTransition{
		From:        schema.RunStatusRunning,
		To:          to,
		Error:       &msg,
		CompletedAt: timePtr(e.now().UTC()),
	}, eventType, map[string]any{"error": msg, "code": schema.Code(cause)})
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeLost, nil
	}
	return out, nil
}
