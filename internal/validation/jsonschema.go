package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const schemaBaseURL = "https://autopilot.local/schemas/"

// Built-in document schemas. Draft 2020-12.
const (
	eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_type"],
  "properties": {
    "event_type": { "type": "string", "minLength": 1, "pattern": "^[A-Z][A-Z0-9_]*$" },
    "entity_id": { "type": "string" },
    "property_id": { "type": "string" },
    "payload": { "type": "object" },
    "occurred_at": { "type": "string", "format": "date-time" },
    "max_attempts": { "type": "integer", "minimum": 1, "maximum": 100 }
  },
  "additionalProperties": false
}`

	manualTriggerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflow_type", "trigger_type"],
  "properties": {
    "workflow_type": { "type": "string", "minLength": 1 },
    "trigger_type": { "type": "string", "minLength": 1 },
    "property_id": { "type": "string" },
    "payload": { "type": "object" },
    "max_attempts": { "type": "integer", "minimum": 1, "maximum": 100 }
  },
  "additionalProperties": false
}`

	inboundMessageSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["property_id", "tenant_ref", "text"],
  "properties": {
    "property_id": { "type": "string", "minLength": 1 },
    "tenant_ref": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1, "maxLength": 10000 },
    "thread_id": { "type": ["string", "null"] },
    "message_id": { "type": ["string", "null"] }
  }
}`
)

// Document kinds with a built-in schema.
const (
	DocEvent          = "event"
	DocManualTrigger  = "manual_trigger"
	DocInboundMessage = "inbound_message"
)

// PayloadValidator validates intake documents and per-workflow run payloads
// with JSON Schema. It is safe for concurrent use.
type PayloadValidator struct {
	docs map[string]*jsonschema.Schema

	mu       sync.RWMutex
	workflow map[schema.WorkflowType]*jsonschema.Schema
}

// NewPayloadValidator compiles the built-in schemas and any per-workflow
// payload schemas. A workflow without a schema accepts any object payload.
func NewPayloadValidator(workflowSchemas map[schema.WorkflowType]json.RawMessage) (*PayloadValidator, error) {
	v := &PayloadValidator{
		docs:     make(map[string]*jsonschema.Schema, 3),
		workflow: make(map[schema.WorkflowType]*jsonschema.Schema, len(workflowSchemas)),
	}
	for name, src := range map[string]string{
		DocEvent:          eventSchemaJSON,
		DocManualTrigger:  manualTriggerSchemaJSON,
		DocInboundMessage: inboundMessageSchemaJSON,
	} {
		compiled, err := compileSchema(schemaBaseURL+name+".json", src)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.docs[name] = compiled
	}
	for wf, src := range workflowSchemas {
		if err := v.SetWorkflowSchema(wf, src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// SetWorkflowSchema registers or replaces the payload schema of a workflow.
func (v *PayloadValidator) SetWorkflowSchema(wf schema.WorkflowType, src json.RawMessage) error {
	compiled, err := compileSchema(schemaBaseURL+"workflows/"+string(wf)+".json", string(src))
	if err != nil {
		return fmt.Errorf("compile payload schema for %s: %w", wf, err)
	}
	v.mu.Lock()
	v.workflow[wf] = compiled
	v.mu.Unlock()
	return nil
}

// ValidateDocument validates a decoded JSON document against a built-in schema.
func (v *PayloadValidator) ValidateDocument(kind string, doc any) error {
	s, ok := v.docs[kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown document kind %q", kind)
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document is not valid JSON").WithCause(err)
	}
	if err := s.Validate(val); err != nil {
		return toAutopilotError(err)
	}
	return nil
}

// ValidatePayload validates a run payload against its workflow schema.
func (v *PayloadValidator) ValidatePayload(wf schema.WorkflowType, payload map[string]any) error {
	v.mu.RLock()
	s, ok := v.workflow[wf]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	val, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON").WithCause(err)
	}
	if err := s.Validate(val); err != nil {
		return toAutopilotError(err)
	}
	return nil
}

func compileSchema(url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toAutopilotError flattens a jsonschema.ValidationError into a
// VALIDATION_ERROR carrying one violation per failing location.
func toAutopilotError(err error) *schema.AutopilotError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
