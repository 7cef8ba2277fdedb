package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/calflow/internal/engine"
	"github.com/rendis/calflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow. When run is set its step
// records are overlaid and, if wf is nil, the run's own snapshot is drawn.
func Build(wf *schema.Workflow, run *schema.Run) (*DiagramModel, error) {
	if wf == nil && run != nil {
		wf = run.Workflow
	}
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}
	g, err := engine.ParseGraph(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	var steps map[string]*schema.StepRecord
	if run != nil {
		steps = run.StepMap()
	}

	nodes := make([]*Node, 0, len(g.Order))
	for _, id := range g.Order {
		n := g.Node(id)
		node := &Node{
			ID:    n.ID,
			Label: nodeLabel(n),
			Type:  string(n.Type),
			Kind:  kindOf(n.Type),
		}
		if st, ok := steps[id]; ok {
			node.Status = overlay(st)
		}
		nodes = append(nodes, node)
	}

	edges := make([]Edge, 0, len(wf.Edges))
	for _, e := range wf.Edges {
		label := ""
		if g.Node(e.Source).Type == schema.NodeLogic {
			label = e.Branch()
		}
		edges = append(edges, Edge{From: e.Source, To: e.Target, Label: label})
	}

	levels := make([][]string, len(g.Levels))
	for i, lvl := range g.Levels {
		levels[i] = append([]string(nil), lvl...)
	}

	return &DiagramModel{
		Title:  title(wf, run),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTrigger, schema.NodeSchedule:
		return NodeKindEntry
	case schema.NodeLogic:
		return NodeKindDecision
	case schema.NodeDelay:
		return NodeKindWait
	case schema.NodeWebhook, schema.NodeAPI:
		return NodeKindCall
	case schema.NodeApproval, schema.NodeForm:
		return NodeKindGate
	default:
		return NodeKindTask
	}
}

func nodeLabel(n schema.Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

func title(wf *schema.Workflow, run *schema.Run) string {
	name := wf.Name
	if name == "" {
		name = wf.ID
	}
	if run == nil {
		return name
	}
	return fmt.Sprintf("%s (run %s: %s)", name, run.ID, run.Status)
}

func overlay(st *schema.StepRecord) *StatusOverlay {
	ov := &StatusOverlay{
		Status:     string(st.Status),
		Suspend:    string(st.Suspend),
		DurationMs: st.DurationMs(),
		Branch:     st.Branch,
	}
	if st.Error != nil {
		ov.Error = st.Error.Code + ": " + st.Error.Message
	}
	if len(st.Output) > 0 {
		var out struct {
			Attempts []json.RawMessage `json:"attempts"`
		}
		if json.Unmarshal(st.Output, &out) == nil {
			ov.Attempts = len(out.Attempts)
		}
	}
	return ov
}
