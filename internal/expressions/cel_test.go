package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/playbook/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestNewCELEngine(t *testing.T) {
	e := newCEL(t)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_BooleanLiteral(t *testing.T) {
	out, err := newCEL(t).Evaluate(context.Background(), "true", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_EventAccess(t *testing.T) {
	data := map[string]any{
		"event": map[string]any{"severity": "high", "sourceIP": "1.2.3.4"},
	}
	out, err := newCEL(t).Evaluate(context.Background(), `event.severity == "high"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_PreviousActionStatus(t *testing.T) {
	data := map[string]any{
		"previousActions": map[string]any{
			"block_ip": map[string]any{"status": "failed", "attempts": 3},
		},
	}
	out, err := newCEL(t).Evaluate(context.Background(),
		`previousActions.block_ip.status == "success"`, data)
	require.NoError(t, err)
	assert.Equal(t, false, out)

	out, err = newCEL(t).Evaluate(context.Background(),
		`previousActions.block_ip.attempts >= 3`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingVariablesDefaultEmpty(t *testing.T) {
	out, err := newCEL(t).Evaluate(context.Background(), `size(variables) == 0 && executionId == ""`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_HasMacro(t *testing.T) {
	data := map[string]any{"event": map[string]any{"tags": []any{"malware"}}}
	out, err := newCEL(t).Evaluate(context.Background(), `has(event.tags) && "malware" in event.tags`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), "event.severity ==", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), "unknownVar == 1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), "event.missing == 1", map[string]any{"event": map[string]any{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCEL_CachesPrograms(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "1 + 1 == 2", nil)
	require.NoError(t, err)
	assert.True(t, e.cache.Contains("1 + 1 == 2"))
}

func TestCEL_Concurrent(t *testing.T) {
	e := newCEL(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `event.n > 0`, map[string]any{
				"event": map[string]any{"n": 1},
			})
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
}
