package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rendis/playbook/pkg/schema"
)

// celMapVars are the map-typed top-level variables of the CEL environment.
var celMapVars = []string{"event", "variables", "previousActions", "node"}

// CELEngine implements the Engine interface using Google's Common Expression Language.
// It evaluates branch conditions and auto-approval rules.
// Thread-safe: compiled programs are kept in a bounded LRU cache.
type CELEngine struct {
	env   *cel.Env
	cache *lru.Cache[string, cel.Program]
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
// The environment mirrors ExecutionContext.Scope:
//   - event:           map(string, dyn): the trigger event
//   - variables:       map(string, dyn): global variables
//   - previousActions: map(string, dyn): settled results keyed by node id
//   - node:            map(string, dyn): the compensated node inside rollback payloads
//   - executionId, timestamp: string
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celMapVars)+2)
	for _, name := range celMapVars {
		opts = append(opts, cel.Variable(name, mapType))
	}
	opts = append(opts,
		cel.Variable("executionId", cel.StringType),
		cel.Variable("timestamp", cel.StringType),
	)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	cache, err := lru.New[string, cel.Program](programCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create CEL program cache: %w", err)
	}

	return &CELEngine{env: env, cache: cache}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// Compile checks expression against the scope declarations.
func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}
	_, err := e.getOrCompile(expression)
	return err
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	if prg, ok := e.cache.Get(expression); ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL compile error in %q", expression).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL program error for %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(expression, prg)
	return prg, nil
}

// buildActivation fills missing variables so absent keys do not become
// CEL runtime errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celMapVars)+2)
	for _, key := range celMapVars {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	for _, key := range []string{"executionId", "timestamp"} {
		if v, ok := data[key].(string); ok {
			activation[key] = v
		} else {
			activation[key] = ""
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
