// Package diagram renders flow definitions, optionally overlaid with a run's
// progress, as Mermaid flowcharts.
package diagram

// NodeKind classifies a diagram node by the shape it is drawn with.
type NodeKind string

const (
	NodeKindTrigger  NodeKind = "trigger"
	NodeKindAction   NodeKind = "action"
	NodeKindDecision NodeKind = "decision"
	NodeKindWait     NodeKind = "wait"
)

// Overlay states.
const (
	StateVisited = "visited"
	StateActive  = "active"
	StateFailed  = "failed"
)

// DiagramModel is the intermediate representation the renderer draws.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single flow node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries a run's progress through a node.
type StatusOverlay struct {
	State      string
	Visits     int
	LastHandle string
}

// Edge is a transition between two nodes. Label is the source handle,
// empty for "next".
type Edge struct {
	From  string
	To    string
	Label string
}
