package intake

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/validation"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// ManualTriggerTypes are the trigger types a human may submit.
var ManualTriggerTypes = []schema.TriggerType{schema.TriggerManual, schema.TriggerEvent}

// ManualWorkflowTypes are the workflows a human may start directly.
var ManualWorkflowTypes = []schema.WorkflowType{
	schema.WorkflowMaintenanceDispatch,
	schema.WorkflowTenantComms,
	schema.WorkflowPMScheduling,
	schema.WorkflowSLABreach,
	schema.WorkflowFinancialRecon,
	schema.WorkflowLegalCompliance,
}

// ManualTrigger is a human request to start a run.
type ManualTrigger struct {
	PropertyID   string              `json:"property_id,omitempty"`
	TriggerType  schema.TriggerType  `json:"trigger_type"`
	WorkflowType schema.WorkflowType `json:"workflow_type"`
	Payload      map[string]any      `json:"payload,omitempty"`
	MaxAttempts  int                 `json:"max_attempts,omitempty"`
}

// Manual starts runs on behalf of authenticated humans.
type Manual struct {
	enq       *Enqueuer
	validator *validation.PayloadValidator
	logger    *slog.Logger
}

// NewManual creates the manual trigger surface.
func NewManual(enq *Enqueuer, validator *validation.PayloadValidator, logger *slog.Logger) *Manual {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manual{enq: enq, validator: validator, logger: logger}
}

// Trigger validates req against the allow-lists and the caller's scope, then
// enqueues a run with a fresh idempotency token. A property-less run may
// only be started by an unrestricted caller.
func (m *Manual) Trigger(ctx context.Context, p *identity.Principal, scope identity.Scope, req ManualTrigger) (*Result, error) {
	if m.validator != nil {
		if err := m.validator.ValidateDocument(validation.DocManualTrigger, req); err != nil {
			return nil, err
		}
	}
	if !allowed(ManualTriggerTypes, req.TriggerType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger_type %q is not allowed", req.TriggerType)
	}
	if !allowed(ManualWorkflowTypes, req.WorkflowType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow_type %q is not allowed", req.WorkflowType)
	}
	if req.PropertyID == "" && !scope.All() {
		return nil, schema.NewError(schema.ErrCodeValidation, "property_id is required")
	}
	if !scope.Allows(req.PropertyID) {
		return nil, schema.NewErrorf(schema.ErrCodePermission, "property %s is outside the caller's scope", req.PropertyID)
	}
	if m.validator != nil {
		if err := m.validator.ValidatePayload(req.WorkflowType, req.Payload); err != nil {
			return nil, err
		}
	}

	payload := payloadOrEmpty(req.Payload)
	if p != nil {
		payload["requested_by"] = p.ID
	}
	res, err := m.enq.Enqueue(ctx, Request{
		WorkflowType: req.WorkflowType,
		TriggerType:  req.TriggerType,
		TriggerRef:   "manual:" + uuid.New().String(),
		PropertyID:   req.PropertyID,
		Payload:      payload,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	if p != nil {
		m.logger.InfoContext(ctx, "manual run requested",
			slog.String("principal", p.ID), slog.String("run_id", res.RunID))
	}
	return res, nil
}

func allowed[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
