package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/lock"
	"github.com/farizattamimi/PMS-sub002/internal/logging"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// ActionExecutor performs the side effect of an approved action.
type ActionExecutor interface {
	Execute(ctx context.Context, action *store.Action) (json.RawMessage, error)
}

// ActionExecutorFunc adapts a function to ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, action *store.Action) (json.RawMessage, error)

// Execute implements ActionExecutor.
func (f ActionExecutorFunc) Execute(ctx context.Context, action *store.Action) (json.RawMessage, error) {
	return f(ctx, action)
}

// Approver serializes human responses to pending actions: a coarse lock
// keyed by action id, then a claim and a finalize that are both
// conditional updates on the action row.
type Approver struct {
	store      store.Store
	locker     lock.Locker
	executor   ActionExecutor
	lockTTL    time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
	emitter
}

// Approve executes a pending action on behalf of managerID and records
// APPROVED, or FAILED when execution errors. The finalized action is
// returned in both cases.
func (a *Approver) Approve(ctx context.Context, actionID, managerID string) (*store.Action, error) {
	return a.respond(ctx, actionID, managerID, true)
}

// Reject closes a pending action as REJECTED without executing it.
func (a *Approver) Reject(ctx context.Context, actionID, managerID string) (*store.Action, error) {
	return a.respond(ctx, actionID, managerID, false)
}

func (a *Approver) respond(ctx context.Context, actionID, managerID string, approve bool) (*store.Action, error) {
	decision := "reject"
	if approve {
		decision = "approve"
	}
	action, err := a.respondLocked(ctx, actionID, managerID, approve)
	switch {
	case err == nil:
		a.metrics.ActionResponse(decision, string(action.Status))
	case schema.IsCode(err, schema.ErrCodeConflict):
		a.metrics.ActionResponse(decision, "contention")
	default:
		a.metrics.ActionResponse(decision, "error")
	}
	return action, err
}

func (a *Approver) respondLocked(ctx context.Context, actionID, managerID string, approve bool) (*store.Action, error) {
	action, err := a.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithActionID(logging.WithRun(ctx, action.RunID, action.PropertyID), action.ID)
	log := logging.LogWith(ctx, a.logger)

	if action.ManagerID != managerID {
		return nil, schema.NewErrorf(schema.ErrCodePermission, "action %s belongs to another manager", actionID)
	}
	if action.Status != schema.ActionPendingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "action %s already handled (%s)", actionID, action.Status)
	}
	if approve && a.executor == nil {
		return nil, schema.NewError(schema.ErrCodeHandlerMissing, "no action executor configured")
	}

	release, ok, err := a.locker.TryLock(ctx, "action:"+actionID, a.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire action lock: %w", err)
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "action %s is being handled", actionID)
	}
	defer release()

	now := a.now().UTC()
	claim := now.UnixNano()
	claimed, err := a.store.ClaimAction(ctx, actionID, managerID, claim, now.Add(-a.staleAfter).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("claim action: %w", err)
	}
	if !claimed {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "action %s is being handled", actionID)
	}

	status := schema.ActionRejected
	var result json.RawMessage
	eventType := schema.EventActionRejected
	if approve {
		output, execErr := a.executor.Execute(ctx, action)
		if execErr != nil {
			status = schema.ActionFailed
			eventType = schema.EventActionFailed
			result = mustJSON(map[string]any{"ok": false, "error": execErr.Error()})
			log.Warn("approved action failed", slog.String("error", execErr.Error()))
		} else {
			status = schema.ActionApproved
			eventType = schema.EventActionApproved
			result = mustJSON(map[string]any{"ok": true, "output": rawOrNull(output)})
		}
	} else {
		result = mustJSON(map[string]any{"ok": true, "rejected_by": managerID})
	}

	// The side effect may have happened; the outcome must be written even
	// if the request is gone.
	fctx := context.WithoutCancel(ctx)
	finalized, err := a.store.FinalizeAction(fctx, actionID, claim, status, result, a.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("finalize action: %w", err)
	}
	if !finalized {
		log.Error("action finalization lost", slog.String("status", string(status)))
		return nil, schema.NewErrorf(schema.ErrCodeLostFinalization,
			"action %s was reclaimed before it could be finalized", actionID)
	}

	if action.RunID != "" {
		if err := a.store.AppendActionLog(fctx, &store.ActionLog{
			ID:         newID(),
			RunID:      action.RunID,
			ActionType: action.ActionType,
			Detail: mustJSON(map[string]any{
				"action_id": action.ID,
				"status":    status,
				"by":        managerID,
			}),
		}); err != nil {
			log.Warn("append action log failed", slog.String("error", err.Error()))
		}
	}
	a.emit(ctx, streaming.StreamEvent{
		RunID:      action.RunID,
		PropertyID: action.PropertyID,
		ActionID:   action.ID,
		EventType:  eventType,
		Status:     string(status),
	})
	log.Info("action finalized", slog.String("status", string(status)))
	return a.store.GetAction(fctx, actionID)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}

func rawOrNull(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage(`null`)
	}
	return r
}
