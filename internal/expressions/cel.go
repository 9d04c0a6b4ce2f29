package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// CELEngine evaluates routing guards with Google's Common Expression Language.
// Compiled programs are cached and shared across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// celVariables are the top-level names a routing guard may reference:
//   - event:   the incoming domain event (event_type, entity_id, property_id, ...)
//   - payload: the event payload
var celVariables = []string{"event", "payload"}

// NewCELEngine creates a CEL engine whose environment declares the event and
// payload variables as map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Compile type-checks and caches an expression.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs a guard. Variables missing from data evaluate as empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		if v, ok := data[name]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = map[string]any{}
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "CEL evaluation failed for %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL compile error in %q: %s", expression, issues.Err()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL program error for %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
