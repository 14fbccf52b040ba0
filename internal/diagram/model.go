// Package diagram renders playbook graphs, optionally overlaid with the
// state of an execution.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAction   NodeKind = "action"
	NodeKindGated    NodeKind = "gated"
	NodeKindBranch   NodeKind = "branch"
	NodeKindRollback NodeKind = "rollback"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title     string
	Nodes     []*Node
	Edges     []Edge
	Levels    [][]string
	Rollbacks *SubGraph // nil when no node declares a rollback action
}

// Node is one box of the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// SubGraph groups nodes drawn apart from the forward graph.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // a schema.NodeState or schema.ResultStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge is a dependency between two nodes. Dashed edges are paths not taken
// or compensation links.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}
