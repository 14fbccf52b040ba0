package expressions

import "context"

// Engine evaluates expressions against a run's scope.
// Three implementations: CEL (default conditions), Expr (rules), GoJQ (selectors).
type Engine interface {
	Name() string
	// Compile reports syntax and type errors without evaluating.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCacheSize bounds each engine's compiled-program cache.
const programCacheSize = 512
