package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

// --- Test definition builders ---

func linearPlaybook() *schema.Definition {
	return &schema.Definition{
		ID:   "linear",
		Name: "Block Attacker",
		Nodes: []schema.ActionNode{
			{ID: "enrich", Service: "threat_intel"},
			{ID: "block_ip", Service: "firewall", DependsOn: []string{"enrich"}, RollbackAction: "unblock_ip"},
			{ID: "notify_soc", Service: "slack", DependsOn: []string{"block_ip"}},
		},
		RollbackActions: []schema.ActionNode{{ID: "unblock_ip", Service: "firewall"}},
		Approvals:       []schema.ApprovalGate{{NodeID: "block_ip", Approvers: []schema.Approver{{ID: "alice"}}}},
	}
}

func branchingPlaybook() *schema.Definition {
	return &schema.Definition{
		ID: "branching",
		Nodes: []schema.ActionNode{
			{ID: "check", Service: "edr"},
			{ID: "contain", Service: "edr"},
			{ID: "monitor", Service: "siem"},
			{ID: "report", Service: "ticketing", DependsOn: []string{"contain"}},
		},
		Branches: []schema.ConditionalBranch{{
			ID: "severity", After: "check", Condition: `previousActions.check.output.verdict == "malicious"`,
			ThenActions: []string{"contain"}, ElseActions: []string{"monitor"},
		}},
	}
}

func edgeSet(edges []Edge) map[string]Edge {
	out := make(map[string]Edge, len(edges))
	for _, e := range edges {
		out[e.From+"->"+e.To] = e
	}
	return out
}

// --- Tests ---

func TestBuildLinearPlaybook(t *testing.T) {
	model, err := Build(linearPlaybook(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Block Attacker", model.Title)
	// 3 nodes + start + end
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, StartID, model.Nodes[0].ID)
	assert.Equal(t, EndID, model.Nodes[4].ID)
	assert.Equal(t, "block_ip\n(firewall)", model.Nodes[2].Label)
	assert.Equal(t, NodeKindGated, model.Nodes[2].Kind)
	assert.Equal(t, NodeKindAction, model.Nodes[1].Kind)

	edges := edgeSet(model.Edges)
	assert.Contains(t, edges, StartID+"->enrich")
	assert.Contains(t, edges, "enrich->block_ip")
	assert.Contains(t, edges, "block_ip->notify_soc")
	assert.Contains(t, edges, "notify_soc->"+EndID)
	assert.Len(t, model.Edges, 4)

	assert.Equal(t, [][]string{{StartID}, {"enrich"}, {"block_ip"}, {"notify_soc"}, {EndID}}, model.Levels)

	require.NotNil(t, model.Rollbacks)
	require.Len(t, model.Rollbacks.Nodes, 1)
	assert.Equal(t, undoID("block_ip"), model.Rollbacks.Nodes[0].ID)
	assert.Equal(t, Edge{From: "block_ip", To: undoID("block_ip"), Label: "undo", Dashed: true}, model.Rollbacks.Edges[0])
}

func TestBuildBranchesRouteThroughBranchNode(t *testing.T) {
	model, err := Build(branchingPlaybook(), nil)
	require.NoError(t, err)
	assert.Nil(t, model.Rollbacks)

	bid := branchID("severity")
	edges := edgeSet(model.Edges)
	assert.Contains(t, edges, "check->"+bid)
	assert.Equal(t, "then", edges[bid+"->contain"].Label)
	assert.Equal(t, "else", edges[bid+"->monitor"].Label)
	assert.NotContains(t, edges, "check->contain", "implicit trigger dependency is drawn via the branch")
	assert.NotContains(t, edges, StartID+"->contain")
	assert.False(t, edges[bid+"->contain"].Dashed)

	assert.Equal(t, [][]string{
		{StartID}, {"check"}, {bid}, {"contain", "monitor"}, {"report"}, {EndID},
	}, model.Levels)
}

func TestBuildOverlaysExecution(t *testing.T) {
	def := linearPlaybook()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &schema.ExecutionRecord{
		NodeStates: map[string]schema.NodeState{
			"enrich":     schema.NodeSucceeded,
			"block_ip":   schema.NodeSucceeded,
			"notify_soc": schema.NodeFailed,
		},
		Results: []schema.ActionResult{
			{NodeID: "enrich", Status: schema.ResultSuccess, StartedAt: start, CompletedAt: start.Add(250 * time.Millisecond), Attempts: 1},
			{NodeID: "block_ip", Status: schema.ResultSuccess, Attempts: 2},
			{NodeID: "notify_soc", Status: schema.ResultFailed, Error: "slack down", Attempts: 3},
			{NodeID: "block_ip", Kind: schema.ResultKindRollback, Status: schema.ResultRolledBack, Attempts: 1},
		},
	}

	model, err := Build(def, rec)
	require.NoError(t, err)

	enrich := findNode(model.Nodes, "enrich")
	require.NotNil(t, enrich.Status)
	assert.Equal(t, "success", enrich.Status.Status)
	assert.Equal(t, int64(250), enrich.Status.DurationMs)

	notify := findNode(model.Nodes, "notify_soc")
	assert.Equal(t, "failed", notify.Status.Status)
	assert.Equal(t, "slack down", notify.Status.Error)
	assert.Equal(t, 3, notify.Status.Attempts)

	undo := model.Rollbacks.Nodes[0]
	require.NotNil(t, undo.Status)
	assert.Equal(t, "rolledback", undo.Status.Status)

	assert.Nil(t, findNode(model.Nodes, StartID).Status)
}

func TestBuildMarksUntakenBranchDashed(t *testing.T) {
	rec := &schema.ExecutionRecord{
		NodeStates:      map[string]schema.NodeState{"check": schema.NodeSucceeded, "monitor": schema.NodeSkipped},
		BranchDecisions: map[string]bool{"severity": true},
	}
	model, err := Build(branchingPlaybook(), rec)
	require.NoError(t, err)

	bid := branchID("severity")
	edges := edgeSet(model.Edges)
	assert.False(t, edges[bid+"->contain"].Dashed)
	assert.True(t, edges[bid+"->monitor"].Dashed)
	assert.Equal(t, "success", findNode(model.Nodes, bid).Status.Status)
}

func TestBuildRejectsInvalidDefinition(t *testing.T) {
	_, err := Build(&schema.Definition{ID: "x", Nodes: []schema.ActionNode{
		{ID: "a", Service: "noop", DependsOn: []string{"b"}},
		{ID: "b", Service: "noop", DependsOn: []string{"a"}},
	}}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.ErrorCode(err))
}
