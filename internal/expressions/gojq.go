package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/itchyny/gojq"
	"github.com/rendis/playbook/pkg/schema"
)

// GoJQEngine implements the Engine interface using GoJQ. It serves jq branch
// conditions and node output selectors.
// Thread-safe: compiled *Code objects are kept in a bounded LRU cache.
type GoJQEngine struct {
	cache *lru.Cache[string, *gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *gojq.Code](programCacheSize)
	return &GoJQEngine{cache: cache}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq expression with data as the input object.
// A single output is returned directly; several are collected into []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Select(ctx, expression, map[string]any(data))
}

// Select runs a jq expression against an arbitrary JSON-like value.
func (e *GoJQEngine) Select(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q", expression).
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

func (e *GoJQEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}
	_, err := e.getOrCompile(expression)
	return err
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	if code, ok := e.cache.Get(expression); ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq parse error in %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq compile error in %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(expression, code)
	return code, nil
}

// normalizeForJQ converts Go values to the types gojq accepts. Values it
// cannot walk natively go through a JSON round trip.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64, int:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Sprint(val)
		}
		return out
	}
}

var _ Engine = (*GoJQEngine)(nil)
