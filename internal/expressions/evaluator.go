package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/playbook/pkg/schema"
)

// DefaultEngine evaluates conditions that do not name an engine.
const DefaultEngine = "cel"

// Evaluator resolves payload templates and boolean conditions against an
// execution scope. It is safe for concurrent use.
type Evaluator struct {
	engines map[string]Engine
	jq      *GoJQEngine
}

// NewEvaluator wires the CEL, Expr and GoJQ engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	jq := NewGoJQEngine()
	ev := &Evaluator{
		engines: map[string]Engine{},
		jq:      jq,
	}
	for _, eng := range []Engine{celEngine, NewExprEngine(), jq} {
		ev.engines[eng.Name()] = eng
	}
	return ev, nil
}

// Engine returns the named engine; empty selects DefaultEngine.
func (e *Evaluator) Engine(name string) (Engine, error) {
	if name == "" {
		name = DefaultEngine
	}
	eng, ok := e.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown expression engine %q", name)
	}
	return eng, nil
}

// Check compiles expression with the named engine.
func (e *Evaluator) Check(engine, expression string) error {
	eng, err := e.Engine(engine)
	if err != nil {
		return err
	}
	return eng.Compile(expression)
}

// CheckSelector compiles a jq output selector.
func (e *Evaluator) CheckSelector(selector string) error {
	return e.jq.Compile(selector)
}

// Condition evaluates expression and requires a boolean (or null, read as false).
func (e *Evaluator) Condition(ctx context.Context, engine, expression string, scope map[string]any) (bool, error) {
	eng, err := e.Engine(engine)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q evaluated to %s, want bool", expression, fmt.Sprintf("%T", out))
	}
}

// Render renders a payload template; see RenderPayload.
func (e *Evaluator) Render(payload map[string]any, scope map[string]any) (map[string]any, []string) {
	return RenderPayload(payload, scope)
}

// Select applies a jq output selector to a raw service output.
func (e *Evaluator) Select(ctx context.Context, selector string, output any) (any, error) {
	if selector == "" {
		return output, nil
	}
	return e.jq.Select(ctx, selector, output)
}
