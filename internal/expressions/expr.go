package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rendis/playbook/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. It supports
// nil coalescing (??), optional chaining (?.), and array predicates
// (any, all, filter), which suit auto-approval rules.
// Thread-safe: compiled *vm.Program objects are kept in a bounded LRU cache.
type ExprEngine struct {
	cache *lru.Cache[string, *vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	cache, _ := lru.New[string, *vm.Program](programCacheSize)
	return &ExprEngine{cache: cache}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and evaluates it
// with the data map as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile compiles without a typed environment: the scope shape varies
// per run, so programs are cached by source alone.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	if prg, ok := e.cache.Get(expression); ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile error in %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(expression, prg)
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
