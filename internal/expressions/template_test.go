package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testScope() map[string]any {
	return map[string]any{
		"event":       map[string]any{"sourceIP": "1.2.3.4", "ports": []any{22, 443}, "score": 9.5},
		"executionId": "exec-1",
		"timestamp":   "2026-01-02T03:04:05Z",
		"variables":   map[string]any{"team": "soc"},
		"previousActions": map[string]any{
			"block_ip": map[string]any{"status": "success", "output": map[string]any{"ruleId": "fw-9"}},
		},
	}
}

func TestRenderString_WholeTokenKeepsType(t *testing.T) {
	res := RenderString("{{event.ports}}", testScope())
	assert.Equal(t, []any{22, 443}, res.Value)
	assert.Empty(t, res.Unresolved)

	res = RenderString("{{ event.score }}", testScope())
	assert.Equal(t, 9.5, res.Value)
}

func TestRenderString_Embedded(t *testing.T) {
	res := RenderString("block {{event.sourceIP}} for {{variables.team}} ({{executionId}})", testScope())
	assert.Equal(t, "block 1.2.3.4 for soc (exec-1)", res.Value)
}

func TestRenderString_ArrayIndexAndNested(t *testing.T) {
	res := RenderString("port {{event.ports.1}} rule {{previousActions.block_ip.output.ruleId}}", testScope())
	assert.Equal(t, "port 443 rule fw-9", res.Value)
}

func TestRenderString_UnresolvedRendersEmpty(t *testing.T) {
	res := RenderString("{{event.missing}}", testScope())
	assert.Equal(t, "", res.Value)
	assert.Equal(t, []string{"event.missing"}, res.Unresolved)

	res = RenderString("ip={{event.nope}};x={{previousActions.ghost.output}}", testScope())
	assert.Equal(t, "ip=;x=", res.Value)
	assert.Equal(t, []string{"event.nope", "previousActions.ghost.output"}, res.Unresolved)
}

func TestRenderString_NoTokens(t *testing.T) {
	res := RenderString("plain text", testScope())
	assert.Equal(t, "plain text", res.Value)
}

func TestRenderString_EmbeddedMapIsJSON(t *testing.T) {
	res := RenderString("out={{previousActions.block_ip.output}}", testScope())
	assert.Equal(t, `out={"ruleId":"fw-9"}`, res.Value)
}

func TestRenderPayload_DoesNotMutateTemplate(t *testing.T) {
	payload := map[string]any{
		"ip":      "{{event.sourceIP}}",
		"nested":  map[string]any{"team": "{{variables.team}}"},
		"list":    []any{"{{executionId}}", 5},
		"literal": 10,
	}
	out, unresolved := RenderPayload(payload, testScope())

	assert.Empty(t, unresolved)
	assert.Equal(t, "1.2.3.4", out["ip"])
	assert.Equal(t, map[string]any{"team": "soc"}, out["nested"])
	assert.Equal(t, []any{"exec-1", 5}, out["list"])
	assert.Equal(t, 10, out["literal"])
	assert.Equal(t, "{{event.sourceIP}}", payload["ip"])
}

func TestLookup(t *testing.T) {
	scope := testScope()

	v, ok := Lookup(scope, "event.sourceIP")
	assert.True(t, ok)
	assert.Equal(t, "1.2.3.4", v)

	_, ok = Lookup(scope, "event.ports.9")
	assert.False(t, ok)
	_, ok = Lookup(scope, "event.sourceIP.deeper")
	assert.False(t, ok)
	_, ok = Lookup(scope, "")
	assert.False(t, ok)
}

func TestReferences(t *testing.T) {
	payload := map[string]any{
		"target": "{{ event.host }}",
		"note":   "blocked {{previousActions.block.output.ruleId}} for {{variables.team}}",
		"tags":   []any{"static", "{{event.severity}}"},
	}
	assert.Equal(t, []string{
		"previousActions.block.output.ruleId",
		"variables.team",
		"event.severity",
		"event.host",
	}, References(payload))
	assert.Empty(t, References(42))
}
