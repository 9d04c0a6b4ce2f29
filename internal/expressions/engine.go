package expressions

import (
	"context"
	"fmt"
)

// Engine evaluates an expression against a data map.
// CEL guards routing rules, Expr evaluates the governor trip rule and GoJQ
// reshapes inbound channel payloads.
type Engine interface {
	Name() string
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates an expression that must produce a boolean.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%s expression %q returned %T, want bool", e.Name(), expression, out)
	}
	return b, nil
}
