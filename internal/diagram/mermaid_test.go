package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearPlaybook(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% Block Attacker")

	// action nodes are boxes, gated nodes hexagons, start/end circles
	assert.Contains(t, output, `enrich["enrich<br/>(threat_intel)"]`)
	assert.Contains(t, output, `block_ip{{"block_ip<br/>(firewall)"}}`)
	assert.Contains(t, output, "__start__((")
	assert.Contains(t, output, "__end__((")

	assert.Contains(t, output, "enrich --> block_ip")
	assert.Contains(t, output, "subgraph __rollback__")
	assert.Contains(t, output, "block_ip -.->|undo| __undo_block_ip__")

	assert.Contains(t, output, "classDef success")
	assert.Contains(t, output, "classDef awaiting")
	assert.NotContains(t, output, "class enrich")
}

func TestRenderMermaidBranch(t *testing.T) {
	rec := &schema.ExecutionRecord{
		NodeStates:      map[string]schema.NodeState{"check": schema.NodeSucceeded, "contain": schema.NodeAwaitingApproval},
		BranchDecisions: map[string]bool{"severity": false},
	}
	model, err := Build(branchingPlaybook(), rec)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "__branch_severity__{")
	assert.Contains(t, output, "#quot;")
	assert.Contains(t, output, "__branch_severity__ -.->|then| contain")
	assert.Contains(t, output, "__branch_severity__ -->|else| monitor")
	assert.Contains(t, output, "class check success")
	assert.Contains(t, output, "class contain awaiting")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
}
