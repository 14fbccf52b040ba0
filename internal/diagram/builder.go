package diagram

import (
	"fmt"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/pkg/schema"
)

// Build constructs a DiagramModel from a Definition and, when rec is not
// nil, overlays the execution's node states, branch decisions and
// compensations. Topology comes from engine.ParseGraph so the diagram shows
// the same edges the scheduler follows.
func Build(def *schema.Definition, rec *schema.ExecutionRecord) (*DiagramModel, error) {
	g, err := engine.ParseGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})

	for _, id := range g.Sorted {
		n := g.Nodes[id]
		node := &Node{ID: id, Label: nodeLabel(n), Kind: NodeKindAction}
		if _, gated := def.Gate(id); gated {
			node.Kind = NodeKindGated
		}
		overlayStatus(node, rec)
		model.Nodes = append(model.Nodes, node)
	}

	for i := range def.Branches {
		b := &def.Branches[i]
		node := &Node{ID: branchID(b.ID), Label: b.ID + "\n" + b.Condition, Kind: NodeKindBranch}
		if _, decided := decision(rec, b.ID); decided {
			node.Status = &StatusOverlay{Status: string(schema.NodeSucceeded)}
		}
		model.Nodes = append(model.Nodes, node)
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(def, g, rec)
	model.Levels = buildLevels(def, g)
	model.Rollbacks = buildRollbacks(def, g, rec)
	return model, nil
}

func branchID(id string) string { return "__branch_" + id + "__" }

func undoID(nodeID string) string { return "__undo_" + nodeID + "__" }

func nodeLabel(n *schema.ActionNode) string {
	name := n.ID
	if n.Name != "" {
		name = n.Name
	}
	return fmt.Sprintf("%s\n(%s)", name, n.Service)
}

func decision(rec *schema.ExecutionRecord, branchID string) (bool, bool) {
	if rec == nil {
		return false, false
	}
	v, ok := rec.BranchDecisions[branchID]
	return v, ok
}

// overlayStatus applies the run's state of node.ID, if any.
func overlayStatus(node *Node, rec *schema.ExecutionRecord) {
	if rec == nil {
		return
	}
	state, ok := rec.NodeStates[node.ID]
	if !ok {
		return
	}
	overlay := &StatusOverlay{Status: string(state)}
	if res, ok := rec.Result(node.ID); ok {
		applyResult(overlay, res)
	}
	node.Status = overlay
}

func applyResult(overlay *StatusOverlay, res *schema.ActionResult) {
	overlay.Attempts = res.Attempts
	overlay.Error = res.Error
	if !res.StartedAt.IsZero() && res.CompletedAt.After(res.StartedAt) {
		overlay.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	}
}

// buildEdges draws dependencies, branch fan-out and the virtual start and
// end edges. A branch target's implicit dependency on the trigger is drawn
// through the branch node instead.
func buildEdges(def *schema.Definition, g *engine.Graph, rec *schema.ExecutionRecord) []Edge {
	viaBranch := make(map[[2]string]bool)
	var branchEdges []Edge
	for i := range def.Branches {
		b := &def.Branches[i]
		bid := branchID(b.ID)
		branchEdges = append(branchEdges, Edge{From: b.After, To: bid})
		taken, decided := decision(rec, b.ID)
		for _, t := range b.ThenActions {
			viaBranch[[2]string{b.After, t}] = true
			branchEdges = append(branchEdges, Edge{From: bid, To: t, Label: "then", Dashed: decided && !taken})
		}
		for _, e := range b.ElseActions {
			viaBranch[[2]string{b.After, e}] = true
			branchEdges = append(branchEdges, Edge{From: bid, To: e, Label: "else", Dashed: decided && taken})
		}
	}

	var edges []Edge
	for _, id := range g.Sorted {
		if len(g.Edges[id]) == 0 {
			edges = append(edges, Edge{From: StartID, To: id})
		}
	}
	for _, id := range g.Sorted {
		for _, dep := range g.Edges[id] {
			if !viaBranch[[2]string{dep, id}] {
				edges = append(edges, Edge{From: dep, To: id})
			}
		}
	}
	edges = append(edges, branchEdges...)
	for _, id := range g.Sorted {
		if len(g.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

// buildLevels layers nodes by longest path from a root, with branch nodes
// sitting between their trigger and their targets.
func buildLevels(def *schema.Definition, g *engine.Graph) [][]string {
	branchesOf := make(map[string][]string) // target → branch node ids
	branchLevel := make(map[string]int)
	for i := range def.Branches {
		b := &def.Branches[i]
		for _, t := range append(append([]string{}, b.ThenActions...), b.ElseActions...) {
			branchesOf[t] = append(branchesOf[t], branchID(b.ID))
		}
	}

	level := make(map[string]int, len(g.Sorted))
	maxLevel := 0
	for _, id := range g.Sorted {
		l := 0
		for _, dep := range g.Edges[id] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		for _, bid := range branchesOf[id] {
			if branchLevel[bid]+1 > l {
				l = branchLevel[bid] + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
		for _, b := range g.BranchesAfter(id) {
			branchLevel[branchID(b.ID)] = l + 1
		}
	}
	for _, l := range branchLevel {
		if l > maxLevel {
			maxLevel = l
		}
	}

	layers := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		layers[level[id]] = append(layers[level[id]], id)
	}
	for i := range def.Branches {
		bid := branchID(def.Branches[i].ID)
		layers[branchLevel[bid]] = append(layers[branchLevel[bid]], bid)
	}

	levels := make([][]string, 0, len(layers)+2)
	levels = append(levels, []string{StartID})
	for _, layer := range layers {
		if len(layer) > 0 {
			levels = append(levels, layer)
		}
	}
	return append(levels, []string{EndID})
}

// buildRollbacks adds one compensation node per forward node that declares
// a rollback action.
func buildRollbacks(def *schema.Definition, g *engine.Graph, rec *schema.ExecutionRecord) *SubGraph {
	sg := &SubGraph{Label: "rollback"}
	for _, id := range g.Sorted {
		n := g.Nodes[id]
		if n.RollbackAction == "" {
			continue
		}
		comp, ok := def.RollbackNode(n.RollbackAction)
		if !ok {
			continue
		}
		node := &Node{
			ID:    undoID(id),
			Label: fmt.Sprintf("%s\n(%s)", comp.ID, comp.Service),
			Kind:  NodeKindRollback,
		}
		if res, ok := rollbackResult(rec, id); ok {
			node.Status = &StatusOverlay{Status: string(res.Status)}
			applyResult(node.Status, res)
		}
		sg.Nodes = append(sg.Nodes, node)
		sg.Edges = append(sg.Edges, Edge{From: id, To: node.ID, Label: "undo", Dashed: true})
	}
	if len(sg.Nodes) == 0 {
		return nil
	}
	return sg
}

func rollbackResult(rec *schema.ExecutionRecord, nodeID string) (*schema.ActionResult, bool) {
	if rec == nil {
		return nil, false
	}
	for i := range rec.Results {
		if rec.Results[i].NodeID == nodeID && rec.Results[i].Kind == schema.ResultKindRollback {
			return &rec.Results[i], true
		}
	}
	return nil, false
}

func titleFromDef(def *schema.Definition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}
