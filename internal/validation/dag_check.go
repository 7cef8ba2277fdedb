package validation

import (
	"fmt"
	"slices"

	"github.com/rendis/calflow/pkg/schema"
)

// validateDAG rejects cycles (Kahn's algorithm) and warns about entry points
// that are unusual for a trigger-started run.
func validateDAG(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	inDegree := make(map[string]int, len(wf.Nodes))
	children := make(map[string][]string)
	for _, n := range wf.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range wf.Edges {
		inDegree[e.Target]++
		children[e.Source] = append(children[e.Source], e.Target)
	}

	queue := make([]string, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	roots := append([]string(nil), queue...)

	remaining := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		remaining[id] = d
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, c := range children[cur] {
			remaining[c]--
			if remaining[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if visited < len(wf.Nodes) {
		var cyclic []string
		for id, d := range remaining {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		slices.Sort(cyclic)
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("cycle detected among nodes %v", cyclic))
		return result
	}

	hasEntry := false
	for i, n := range wf.Nodes {
		if !isEntry(n.Type) {
			continue
		}
		hasEntry = true
		if inDegree[n.ID] > 0 {
			result.NodeWarning(n.ID, fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("%s node %q has inbound edges", n.Type, n.ID))
		}
	}
	if !hasEntry {
		result.AddWarning("nodes", schema.ErrCodeValidation,
			"workflow has no trigger or schedule node")
	}
	for _, id := range roots {
		n, _ := wf.Node(id)
		if !isEntry(n.Type) {
			result.NodeWarning(id, "nodes", schema.ErrCodeValidation,
				fmt.Sprintf("node %q has no inbound edges and starts with the run", id))
		}
	}
	return result
}

func isEntry(t schema.NodeType) bool {
	return t == schema.NodeTrigger || t == schema.NodeSchedule
}
