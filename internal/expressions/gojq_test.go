package expressions

import (
	"context"
	"testing"

	"github.com/rendis/playbook/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQ_SelectField(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), ".event.sourceIP",
		map[string]any{"event": map[string]any{"sourceIP": "1.2.3.4"}})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", out)
}

func TestGoJQ_SelectOnNonObjectOutput(t *testing.T) {
	output := []any{
		map[string]any{"rule": "r1", "active": true},
		map[string]any{"rule": "r2", "active": false},
	}
	out, err := NewGoJQEngine().Select(context.Background(), `[.[] | select(.active) | .rule]`, output)
	require.NoError(t, err)
	assert.Equal(t, []any{"r1"}, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	out, err := NewGoJQEngine().Select(context.Background(), `.[]`, []any{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, out)
}

func TestGoJQ_NullResult(t *testing.T) {
	out, err := NewGoJQEngine().Select(context.Background(), `empty`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), ".[", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestGoJQ_Sandbox_NoEnvAccess(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestNormalizeForJQ(t *testing.T) {
	type hit struct {
		IP string `json:"ip"`
	}
	in := map[string]any{
		"i64":    int64(7),
		"f32":    float32(1.5),
		"nested": []any{int32(2)},
		"strs":   []string{"a"},
		"struct": hit{IP: "1.2.3.4"},
	}
	out := normalizeForJQ(in).(map[string]any)
	assert.Equal(t, float64(7), out["i64"])
	assert.Equal(t, float64(1.5), out["f32"])
	assert.Equal(t, []any{float64(2)}, out["nested"])
	assert.Equal(t, []any{"a"}, out["strs"])
	assert.Equal(t, map[string]any{"ip": "1.2.3.4"}, out["struct"])
	assert.Nil(t, normalizeForJQ(nil))
}
