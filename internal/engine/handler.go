package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Invocation is what a workflow handler receives for one attempt.
type Invocation struct {
	RunID        string              `json:"run_id"`
	WorkflowType schema.WorkflowType `json:"workflow_type"`
	TriggerType  schema.TriggerType  `json:"trigger_type"`
	TriggerRef   string              `json:"trigger_ref"`
	PropertyID   string              `json:"property_id,omitempty"`
	Attempt      int                 `json:"attempt"`
	MaxAttempts  int                 `json:"max_attempts"`
	Payload      map[string]any      `json:"payload"`
}

// Result is a successful handler outcome.
type Result struct {
	Summary string `json:"summary"`
}

// Handler executes the business logic of one workflow type. Returning an
// error hands the run to the retry controller. Handlers write steps,
// exceptions and proposed actions through the Recorder while they run.
type Handler interface {
	Handle(ctx context.Context, inv Invocation, rec *Recorder) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation, rec *Recorder) (*Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, inv Invocation, rec *Recorder) (*Result, error) {
	return f(ctx, inv, rec)
}

// Registry maps workflow types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.WorkflowType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.WorkflowType]Handler)}
}

// Register binds h to wf, replacing any previous binding.
func (r *Registry) Register(wf schema.WorkflowType, h Handler) error {
	if !wf.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow type %q", wf)
	}
	if h == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "nil handler for %s", wf)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[wf] = h
	return nil
}

// Get returns the handler for wf.
func (r *Registry) Get(wf schema.WorkflowType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[wf]
	return h, ok
}

// Types returns the registered workflow types, sorted.
func (r *Registry) Types() []schema.WorkflowType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.WorkflowType, 0, len(r.handlers))
	for wf := range r.handlers {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExceptionInput describes an escalation raised by a handler.
type ExceptionInput struct {
	Severity   schema.Severity `json:"severity"`
	Category   string          `json:"category"`
	Title      string          `json:"title"`
	Details    string          `json:"details,omitempty"`
	Context    map[string]any  `json:"context,omitempty"`
	RequiresBy *time.Time      `json:"requires_by,omitempty"`
}

// ActionInput describes a side-effecting action a handler proposes for
// human approval.
type ActionInput struct {
	ManagerID  string          `json:"manager_id"`
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Recorder writes a run's children on behalf of its handler.
type Recorder struct {
	store store.Store
	run   *store.Run
	emitter
}

func newRecorder(s store.Store, run *store.Run, em emitter) *Recorder {
	return &Recorder{store: s, run: run, emitter: em}
}

// Step appends an ordered step to the run log.
func (r *Recorder) Step(ctx context.Context, name, status string, detail any) error {
	raw, err := marshalDetail(detail)
	if err != nil {
		return err
	}
	return r.store.AppendStep(ctx, &store.Step{
		ID:     uuid.New().String(),
		RunID:  r.run.ID,
		Name:   name,
		Status: status,
		Detail: raw,
	})
}

// ActionLog records an action the handler took on its own.
func (r *Recorder) ActionLog(ctx context.Context, actionType string, detail any) error {
	raw, err := marshalDetail(detail)
	if err != nil {
		return err
	}
	return r.store.AppendActionLog(ctx, &store.ActionLog{
		ID:         uuid.New().String(),
		RunID:      r.run.ID,
		ActionType: actionType,
		Detail:     raw,
	})
}

// RaiseException records an escalation against the run's property.
func (r *Recorder) RaiseException(ctx context.Context, in ExceptionInput) (*store.Exception, error) {
	exc, err := raiseException(ctx, r.store, r.emitter, r.run.ID, r.run.PropertyID, in)
	if err != nil {
		return nil, err
	}
	return exc, nil
}

// ProposeAction records a pending action that a manager must approve.
func (r *Recorder) ProposeAction(ctx context.Context, in ActionInput) (*store.Action, error) {
	if in.ManagerID == "" || in.ActionType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "proposed action requires manager_id and action_type")
	}
	a := &store.Action{
		ID:         uuid.New().String(),
		RunID:      r.run.ID,
		ManagerID:  in.ManagerID,
		PropertyID: r.run.PropertyID,
		ActionType: in.ActionType,
		Payload:    in.Payload,
		Status:     schema.ActionPendingApproval,
	}
	if err := r.store.CreateAction(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// AutoExecuted records an action the handler already performed under its
// own authority, with the outcome it produced.
func (r *Recorder) AutoExecuted(ctx context.Context, in ActionInput, result json.RawMessage) (*store.Action, error) {
	if in.ActionType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "auto-executed action requires action_type")
	}
	now := time.Now().UTC()
	a := &store.Action{
		ID:         uuid.New().String(),
		RunID:      r.run.ID,
		ManagerID:  in.ManagerID,
		PropertyID: r.run.PropertyID,
		ActionType: in.ActionType,
		Payload:    in.Payload,
		Status:     schema.ActionAutoExecuted,
		ExecutedAt: &now,
		Result:     result,
	}
	if err := r.store.CreateAction(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func raiseException(ctx context.Context, s store.ExceptionStore, em emitter, runID, propertyID string, in ExceptionInput) (*store.Exception, error) {
	if in.Title == "" || in.Category == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "exception requires category and title")
	}
	if in.Severity == "" {
		in.Severity = schema.SeverityMedium
	}
	if !in.Severity.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown severity %q", in.Severity)
	}
	exc := &store.Exception{
		ID:         uuid.New().String(),
		RunID:      runID,
		PropertyID: propertyID,
		Severity:   in.Severity,
		Category:   in.Category,
		Title:      in.Title,
		Details:    in.Details,
		Context:    in.Context,
		Status:     schema.ExceptionOpen,
		RequiresBy: in.RequiresBy,
	}
	if err := s.CreateException(ctx, exc); err != nil {
		return nil, err
	}
	em.emit(ctx, streaming.StreamEvent{
		RunID:      runID,
		PropertyID: propertyID,
		EventType:  schema.EventExceptionRaised,
		Payload: map[string]any{
			"exception_id": exc.ID,
			"severity":     string(exc.Severity),
			"category":     exc.Category,
			"title":        exc.Title,
		},
	})
	return exc, nil
}

func marshalDetail(detail any) (json.RawMessage, error) {
	switch d := detail.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal detail: %w", err)
	}
	return b, nil
}

func newID() string { return uuid.New().String() }
