package engine

import (
	"fmt"
	"strings"

	"github.com/rendis/playbook/pkg/schema"
)

// Graph is the validated dependency graph of a Definition. Built once per run
// and read-only afterwards.
type Graph struct {
	Nodes   map[string]*schema.ActionNode // node ID → definition
	Order   []string                      // declaration order
	Edges   map[string][]string           // node ID → effective dependencies
	Reverse map[string][]string           // node ID → dependents
	Sorted  []string                      // topological order, ties by declaration

	branches map[string][]*schema.ConditionalBranch // after node ID → branches
	thenOf   map[string][]*schema.ConditionalBranch // target → branches listing it in thenActions
	elseOf   map[string][]*schema.ConditionalBranch // target → branches listing it in elseActions
}

// Skip is a scheduling decision to settle an unstarted node as skipped.
type Skip struct {
	NodeID string
	Reason string
}

// Plan is the scheduler's view of the unstarted nodes.
type Plan struct {
	Ready []string
	Skips []Skip
}

// ParseGraph validates a Definition and builds its graph. Every id reference
// (dependsOn, rollbackAction, gates, branches, rules) must resolve and the
// effective dependencies must be acyclic; otherwise no node may run.
func ParseGraph(def *schema.Definition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition has no nodes")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.ActionNode, len(def.Nodes)),
		Edges:    make(map[string][]string, len(def.Nodes)),
		Reverse:  make(map[string][]string, len(def.Nodes)),
		branches: make(map[string][]*schema.ConditionalBranch),
		thenOf:   make(map[string][]*schema.ConditionalBranch),
		elseOf:   make(map[string][]*schema.ConditionalBranch),
	}

	// First pass: register nodes and check for duplicates.
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "node at index %d has empty id", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "duplicate node id: %s", node.ID)
		}
		if node.Service == "" {
			return nil, schema.NewError(schema.ErrCodeDefinition, "node has no service").WithNode(node.ID)
		}
		g.Nodes[node.ID] = node
		g.Order = append(g.Order, node.ID)
	}

	if err := g.registerRollbacks(def); err != nil {
		return nil, err
	}
	if err := g.registerBranches(def); err != nil {
		return nil, err
	}
	if err := validateGates(def, g.Nodes); err != nil {
		return nil, err
	}
	for _, rule := range def.AutoApprovalRules {
		if rule.NodeID != "" {
			if _, ok := g.Nodes[rule.NodeID]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"auto-approval rule %s references unknown node: %s", rule.ID, rule.NodeID)
			}
		}
		if rule.Condition == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "auto-approval rule %s has no condition", rule.ID)
		}
	}

	// Build effective dependencies: dependsOn plus the trigger of every branch
	// that targets the node.
	for _, id := range g.Order {
		node := g.Nodes[id]
		seen := make(map[string]bool, len(node.DependsOn))
		deps := make([]string, 0, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "cycle detected: %s -> %s", id, id).
					WithNode(id).
					WithDetails(map[string]any{"cycle": []string{id, id}})
			}
			if _, exists := g.Nodes[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "depends on unknown node: %s", dep).WithNode(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "duplicate dependency: %s", dep).WithNode(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		for _, targeting := range [][]*schema.ConditionalBranch{g.thenOf[id], g.elseOf[id]} {
			for _, b := range targeting {
				if b.After == id {
					return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
						"branch %s targets its own trigger %s", b.ID, id).WithNode(id)
				}
				if !seen[b.After] {
					seen[b.After] = true
					deps = append(deps, b.After)
				}
			}
		}
		g.Edges[id] = deps
		for _, dep := range deps {
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) registerRollbacks(def *schema.Definition) error {
	rollbacks := make(map[string]bool, len(def.RollbackActions))
	for i, rb := range def.RollbackActions {
		if rb.ID == "" {
			return schema.NewErrorf(schema.ErrCodeDefinition, "rollback action at index %d has empty id", i)
		}
		if rollbacks[rb.ID] {
			return schema.NewErrorf(schema.ErrCodeDefinition, "duplicate rollback action id: %s", rb.ID)
		}
		if rb.Service == "" {
			return schema.NewErrorf(schema.ErrCodeDefinition, "rollback action %s has no service", rb.ID)
		}
		rollbacks[rb.ID] = true
	}
	for _, id := range g.Order {
		ref := g.Nodes[id].RollbackAction
		if ref != "" && !rollbacks[ref] {
			return schema.NewErrorf(schema.ErrCodeDefinition, "rollbackAction references unknown action: %s", ref).WithNode(id)
		}
	}
	return nil
}

func (g *Graph) registerBranches(def *schema.Definition) error {
	ids := make(map[string]bool, len(def.Branches))
	for i := range def.Branches {
		b := &def.Branches[i]
		if b.ID == "" {
			return schema.NewErrorf(schema.ErrCodeDefinition, "branch at index %d has empty id", i)
		}
		if ids[b.ID] {
			return schema.NewErrorf(schema.ErrCodeDefinition, "duplicate branch id: %s", b.ID)
		}
		ids[b.ID] = true
		if _, ok := g.Nodes[b.After]; !ok {
			return schema.NewErrorf(schema.ErrCodeDefinition, "branch %s triggers on unknown node: %s", b.ID, b.After)
		}
		if b.Condition == "" {
			return schema.NewErrorf(schema.ErrCodeDefinition, "branch %s has no condition", b.ID)
		}
		targets := make(map[string]bool)
		for _, list := range [][]string{b.ThenActions, b.ElseActions} {
			for _, target := range list {
				if _, ok := g.Nodes[target]; !ok {
					return schema.NewErrorf(schema.ErrCodeDefinition, "branch %s targets unknown node: %s", b.ID, target)
				}
				if targets[target] {
					return schema.NewErrorf(schema.ErrCodeDefinition, "branch %s lists %s more than once", b.ID, target)
				}
				targets[target] = true
			}
		}
		g.branches[b.After] = append(g.branches[b.After], b)
		for _, target := range b.ThenActions {
			g.thenOf[target] = append(g.thenOf[target], b)
		}
		for _, target := range b.ElseActions {
			g.elseOf[target] = append(g.elseOf[target], b)
		}
	}
	return nil
}

func validateGates(def *schema.Definition, nodes map[string]*schema.ActionNode) error {
	gated := make(map[string]bool, len(def.Approvals))
	for _, gate := range def.Approvals {
		if _, ok := nodes[gate.NodeID]; !ok {
			return schema.NewErrorf(schema.ErrCodeDefinition, "approval gate references unknown node: %s", gate.NodeID)
		}
		if gated[gate.NodeID] {
			return schema.NewError(schema.ErrCodeDefinition, "node has more than one approval gate").WithNode(gate.NodeID)
		}
		gated[gate.NodeID] = true
		if len(gate.Approvers) == 0 {
			return schema.NewError(schema.ErrCodeDefinition, "approval gate has no approvers").WithNode(gate.NodeID)
		}
		switch gate.EffectiveMode() {
		case schema.ApprovalModeAny, schema.ApprovalModeAll, schema.ApprovalModeMajority:
		case schema.ApprovalModeCustom:
			if gate.CustomPolicy == "" {
				return schema.NewError(schema.ErrCodeDefinition, "custom approval mode requires customPolicy").WithNode(gate.NodeID)
			}
		default:
			return schema.NewErrorf(schema.ErrCodeDefinition, "unknown approval mode: %s", gate.Mode).WithNode(gate.NodeID)
		}
		for _, action := range []schema.TimeoutAction{gate.TimeoutAction, gate.EscalationTimeoutAction} {
			switch action {
			case "", schema.TimeoutActionApprove, schema.TimeoutActionReject,
				schema.TimeoutActionEscalate, schema.TimeoutActionCancel:
			default:
				return schema.NewErrorf(schema.ErrCodeDefinition, "unknown timeout action: %s", action).WithNode(gate.NodeID)
			}
		}
		if gate.TimeoutAction == schema.TimeoutActionEscalate && len(gate.EscalationTargets) == 0 {
			return schema.NewError(schema.ErrCodeDefinition, "escalate timeout action requires escalationTargets").WithNode(gate.NodeID)
		}
		if gate.EscalationTimeoutAction == schema.TimeoutActionEscalate {
			return schema.NewError(schema.ErrCodeDefinition, "escalated requests cannot escalate again").WithNode(gate.NodeID)
		}
	}
	return nil
}

// sort runs Kahn's algorithm, always taking the earliest-declared node among
// those with no unsettled dependencies.
func (g *Graph) sort() error {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Edges[id])
	}

	done := make(map[string]bool, len(g.Nodes))
	sorted := make([]string, 0, len(g.Nodes))
	for len(sorted) < len(g.Order) {
		next := ""
		for _, id := range g.Order {
			if !done[id] && inDegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			cycle := g.findCycle(done)
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "cycle detected: %s", strings.Join(cycle, " -> ")).
				WithDetails(map[string]any{"cycle": cycle})
		}
		done[next] = true
		sorted = append(sorted, next)
		for _, dependent := range g.Reverse[next] {
			inDegree[dependent]--
		}
	}

	g.Sorted = sorted
	return nil
}

// findCycle walks dependencies among unsorted nodes until a node repeats.
// Every unsorted node has at least one unsorted dependency, so the walk must loop.
func (g *Graph) findCycle(sorted map[string]bool) []string {
	start := ""
	for _, id := range g.Order {
		if !sorted[id] {
			start = id
			break
		}
	}

	pos := map[string]int{}
	var path []string
	current := start
	for {
		if i, seen := pos[current]; seen {
			return append(append([]string{}, path[i:]...), current)
		}
		pos[current] = len(path)
		path = append(path, current)
		for _, dep := range g.Edges[current] {
			if !sorted[dep] {
				current = dep
				break
			}
		}
	}
}

// Plan classifies every unstarted node as ready, skipped, or still waiting.
// states holds the node states of the run; decisions holds the outcome of
// every branch whose trigger has settled. Ready nodes come in declaration order.
func (g *Graph) Plan(states map[string]schema.NodeState, decisions map[string]bool) Plan {
	var plan Plan
	for _, id := range g.Order {
		if st := states[id]; st != "" && st != schema.NodePending {
			continue
		}
		if reason, skip := g.branchSkip(id, decisions); skip {
			plan.Skips = append(plan.Skips, Skip{NodeID: id, Reason: reason})
			continue
		}

		ready := true
		skipReason := ""
		for _, dep := range g.Edges[id] {
			st := states[dep]
			if !st.Settled() || g.branchPending(id, dep, decisions) {
				ready = false
				continue
			}
			if st == schema.NodeSucceeded || g.elseAuthorizes(id, dep, decisions) {
				continue
			}
			skipReason = fmt.Sprintf("dependency %s %s", dep, st)
			break
		}
		switch {
		case skipReason != "":
			plan.Skips = append(plan.Skips, Skip{NodeID: id, Reason: skipReason})
		case ready:
			plan.Ready = append(plan.Ready, id)
		}
	}
	return plan
}

// ReadyNodes returns the nodes that may start now, in declaration order.
func (g *Graph) ReadyNodes(states map[string]schema.NodeState, decisions map[string]bool) []string {
	return g.Plan(states, decisions).Ready
}

// branchSkip reports whether a decided branch excludes the node.
func (g *Graph) branchSkip(id string, decisions map[string]bool) (string, bool) {
	for _, b := range g.thenOf[id] {
		if taken, decided := decisions[b.ID]; decided && !taken {
			return fmt.Sprintf("branch %s took else path", b.ID), true
		}
	}
	for _, b := range g.elseOf[id] {
		if taken, decided := decisions[b.ID]; decided && taken {
			return fmt.Sprintf("branch %s took then path", b.ID), true
		}
	}
	return "", false
}

// branchPending reports whether a branch triggered by dep that targets id
// has not been evaluated yet.
func (g *Graph) branchPending(id, dep string, decisions map[string]bool) bool {
	for _, targeting := range [][]*schema.ConditionalBranch{g.thenOf[id], g.elseOf[id]} {
		for _, b := range targeting {
			if _, decided := decisions[b.ID]; b.After == dep && !decided {
				return true
			}
		}
	}
	return false
}

// elseAuthorizes reports whether an else path lets id run although dep did
// not succeed.
func (g *Graph) elseAuthorizes(id, dep string, decisions map[string]bool) bool {
	for _, b := range g.elseOf[id] {
		if b.After != dep {
			continue
		}
		if taken, decided := decisions[b.ID]; decided && !taken {
			return true
		}
	}
	return false
}

// BranchesAfter returns the branches evaluated when nodeID settles.
func (g *Graph) BranchesAfter(nodeID string) []*schema.ConditionalBranch {
	return g.branches[nodeID]
}

// ReverseOrder returns ids ordered dependents-before-dependencies.
func (g *Graph) ReverseOrder(ids map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for i := len(g.Sorted) - 1; i >= 0; i-- {
		if ids[g.Sorted[i]] {
			out = append(out, g.Sorted[i])
		}
	}
	return out
}
