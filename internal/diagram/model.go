// Package diagram renders a workflow, optionally overlaid with the state of
// one of its runs, as Mermaid, ASCII or a Graphviz image.
package diagram

// NodeKind classifies a diagram node by the shape it is drawn with.
type NodeKind string

const (
	NodeKindEntry    NodeKind = "entry"    // trigger, schedule
	NodeKindTask     NodeKind = "task"     // action, notification
	NodeKindDecision NodeKind = "decision" // logic
	NodeKindWait     NodeKind = "wait"     // delay
	NodeKindCall     NodeKind = "call"     // webhook-outbound, api
	NodeKindGate     NodeKind = "gate"     // approval, form
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one workflow node.
type Node struct {
	ID     string
	Label  string
	Type   string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the state of the node's step record in a run.
type StatusOverlay struct {
	Status     string // schema.StepStatus
	Suspend    string // schema.SuspendKind of a parked step
	DurationMs int64
	Attempts   int
	Branch     string
	Error      string
}

// Edge connects two nodes. Label is the branch a logic source must pick.
type Edge struct {
	From  string
	To    string
	Label string
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
