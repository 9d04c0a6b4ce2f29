package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// GoJQEngine runs jq programs. Inbound channel intake uses one program per
// channel to map a provider payload onto the normalized message shape.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// Compile parses and compiles a jq program.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.code(expression)
	return err
}

// Evaluate runs a jq program against data, which must hold JSON-decoded
// values. A single output is returned as is, several are returned as []any
// and none as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq evaluation failed for %q: %s", expression, err).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	// No $ENV access from channel mappings.
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.cache[expression] = code
	return code, nil
}

// MapObject runs a mapping program that must yield exactly one object.
// Inbound channels use it to reshape a provider payload.
func (e *GoJQEngine) MapObject(ctx context.Context, program string, data map[string]any) (map[string]any, error) {
	out, err := e.Evaluate(ctx, program, data)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq mapping %q produced %T, want an object", program, out).
			WithDetails(map[string]any{"expression": program})
	}
	return m, nil
}

var _ Engine = (*GoJQEngine)(nil)
