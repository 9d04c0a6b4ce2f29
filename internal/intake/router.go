package intake

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/expressions"
	"github.com/farizattamimi/PMS-sub002/internal/validation"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Routing guards. SLA-class workflows act on one entity and need both ids.
const (
	GuardProperty          = `has(event.property_id) && event.property_id != ""`
	GuardPropertyAndEntity = GuardProperty + ` && has(event.entity_id) && event.entity_id != ""`
)

// Route maps an event type to a workflow. Guard is a CEL expression over
// `event` (event_type, property_id, entity_id) and `payload`; the event is
// rejected when it evaluates false.
type Route struct {
	EventType    string              `json:"event_type" yaml:"event_type"`
	WorkflowType schema.WorkflowType `json:"workflow_type" yaml:"workflow_type"`
	Guard        string              `json:"guard,omitempty" yaml:"guard"`
	// Requirement is the validation message for a failed guard.
	Requirement string `json:"requirement,omitempty" yaml:"requirement"`
}

// DefaultRoutes is the built-in routing table.
func DefaultRoutes() []Route {
	prop := func(ev string, wf schema.WorkflowType) Route {
		return Route{EventType: ev, WorkflowType: wf, Guard: GuardProperty, Requirement: "property_id is required"}
	}
	entity := func(ev string, wf schema.WorkflowType) Route {
		return Route{EventType: ev, WorkflowType: wf, Guard: GuardPropertyAndEntity,
			Requirement: "property_id and entity_id are required"}
	}
	return []Route{
		prop("WORK_ORDER_CREATED", schema.WorkflowMaintenanceDispatch),
		prop("MAINTENANCE_REQUESTED", schema.WorkflowMaintenanceDispatch),
		entity("WORK_ORDER_SLA_BREACHED", schema.WorkflowSLABreach),
		entity("SLA_AT_RISK", schema.WorkflowSLABreach),
		prop("TENANT_MESSAGE_RECEIVED", schema.WorkflowTenantComms),
		prop("PM_DUE", schema.WorkflowPMScheduling),
		prop("PM_TASK_DUE", schema.WorkflowPMScheduling),
		prop("ASSET_INSPECTION_DUE", schema.WorkflowPMScheduling),
		prop("PAYMENT_RECEIVED", schema.WorkflowFinancialRecon),
		prop("LEDGER_MISMATCH", schema.WorkflowFinancialRecon),
		prop("LEASE_EXPIRING", schema.WorkflowLegalCompliance),
		prop("COMPLIANCE_DEADLINE", schema.WorkflowLegalCompliance),
	}
}

// MergeRoutes overlays overrides on base by event type.
func MergeRoutes(base, overrides []Route) []Route {
	byType := make(map[string]Route, len(base)+len(overrides))
	for _, r := range base {
		byType[r.EventType] = r
	}
	for _, r := range overrides {
		byType[r.EventType] = r
	}
	out := make([]Route, 0, len(byType))
	for _, r := range byType {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// Event is a typed domain event submitted for routing.
type Event struct {
	EventType  string         `json:"event_type"`
	PropertyID string         `json:"property_id,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
	// MaxAttempts overrides the default retry budget when positive.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// DedupeKey is the trigger_ref of an event-triggered run: one run per
// (event type, entity, property, UTC hour).
func DedupeKey(eventType, entityID, propertyID string, at time.Time) string {
	if entityID == "" {
		entityID = "global"
	}
	if propertyID == "" {
		propertyID = "null"
	}
	return fmt.Sprintf("event:%s-%s:%s:%s", eventType, entityID, propertyID, at.UTC().Format("2006-01-02T15"))
}

// Router maps inbound events to workflow runs.
type Router struct {
	enq       *Enqueuer
	routes    map[string]Route
	guards    *expressions.CELEngine
	validator *validation.PayloadValidator
	logger    *slog.Logger
}

// NewRouter compiles every route guard. A nil routes slice uses
// DefaultRoutes.
func NewRouter(enq *Enqueuer, routes []Route, validator *validation.PayloadValidator, logger *slog.Logger) (*Router, error) {
	if routes == nil {
		routes = DefaultRoutes()
	}
	if logger == nil {
		logger = slog.Default()
	}
	guards, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	table := make(map[string]Route, len(routes))
	for _, r := range routes {
		if r.EventType == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "route without event_type")
		}
		if !r.WorkflowType.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"route %s: unknown workflow type %q", r.EventType, r.WorkflowType)
		}
		if r.Guard != "" {
			if err := guards.Compile(r.Guard); err != nil {
				return nil, fmt.Errorf("route %s guard: %w", r.EventType, err)
			}
		}
		table[r.EventType] = r
	}
	return &Router{enq: enq, routes: table, guards: guards, validator: validator, logger: logger}, nil
}

// Routes returns the active routing table sorted by event type.
func (r *Router) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// Route validates ev, applies its route guard and enqueues a run keyed by
// the event's dedupe key. Unmapped event types are skipped, not rejected.
func (r *Router) Route(ctx context.Context, ev Event) (*Result, error) {
	ev.EventType = strings.TrimSpace(ev.EventType)
	if r.validator != nil {
		if err := r.validator.ValidateDocument(validation.DocEvent, ev); err != nil {
			return nil, err
		}
	} else if ev.EventType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event_type is required")
	}

	route, ok := r.routes[ev.EventType]
	if !ok {
		r.enq.metrics.Intake(string(schema.TriggerEvent), ReasonUnrouted)
		r.logger.InfoContext(ctx, "event type not routed", slog.String("event_type", ev.EventType))
		return &Result{OK: true, Skipped: true, Reason: ReasonUnrouted}, nil
	}

	if route.Guard != "" {
		pass, err := expressions.EvaluateBool(ctx, r.guards, route.Guard, map[string]any{
			"event": map[string]any{
				"event_type":  ev.EventType,
				"property_id": ev.PropertyID,
				"entity_id":   ev.EntityID,
			},
			"payload": payloadOrEmpty(ev.Payload),
		})
		if err != nil {
			return nil, err
		}
		if !pass {
			msg := route.Requirement
			if msg == "" {
				msg = "event does not satisfy route requirements"
			}
			r.enq.metrics.Intake(string(schema.TriggerEvent), "rejected")
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", ev.EventType, msg).
				WithDetails(map[string]any{"workflow_type": string(route.WorkflowType)})
		}
	}

	payload := payloadOrEmpty(ev.Payload)
	payload["event"] = map[string]any{
		"event_type":  ev.EventType,
		"property_id": ev.PropertyID,
		"entity_id":   ev.EntityID,
	}
	at := r.enq.Now()
	return r.enq.Enqueue(ctx, Request{
		WorkflowType: route.WorkflowType,
		TriggerType:  schema.TriggerEvent,
		TriggerRef:   DedupeKey(ev.EventType, ev.EntityID, ev.PropertyID, at),
		PropertyID:   ev.PropertyID,
		Payload:      payload,
		MaxAttempts:  ev.MaxAttempts,
	})
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return maps.Clone(p)
}
