// Package diagram renders a pipeline's dependency graph, optionally overlaid
// with the node outcomes of a run.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	// NodeKindFlow is a node that runs one flow file.
	NodeKindFlow NodeKind = "flow"
	// NodeKindGuarded is a flow node with a condition guard.
	NodeKindGuarded NodeKind = "guarded"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one pipeline node, or a virtual start/end marker.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries a node's outcome from a run.
type StatusOverlay struct {
	Status     string // from schema.NodeStatus
	DurationMs int64
	Reason     string
}

// Edge points from a dependency to its dependent. Label names the dependent's
// failure policy when it is not the default.
type Edge struct {
	From  string
	To    string
	Label string
}
