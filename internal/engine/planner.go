package engine

import (
	"github.com/rendis/calflow/pkg/schema"
)

// Planner derives readiness from a graph and the run's stored step records.
// It is a pure function of its inputs, so resuming a run needs no extra state.
type Planner struct {
	graph *Graph
}

// NewPlanner creates a Planner for g.
func NewPlanner(g *Graph) *Planner {
	return &Planner{graph: g}
}

// Ready returns, in topological order, the nodes that have no step record,
// whose inbound sources are all completed or skipped, and that have at least
// one satisfied inbound edge. Roots are ready until dispatched.
func (p *Planner) Ready(steps map[string]*schema.StepRecord) []string {
	var ready []string
	for _, id := range p.graph.Order {
		if steps[id] != nil {
			continue
		}
		inbound := p.graph.Inbound[id]
		if len(inbound) == 0 {
			ready = append(ready, id)
			continue
		}
		if p.allSettled(inbound, statusOf(steps)) && p.anySatisfied(inbound, steps) {
			ready = append(ready, id)
		}
	}
	return ready
}

// Unreachable returns the nodes that can be proven never to run: every inbound
// source is settled yet no inbound edge is satisfied. Skips propagate within
// the call, so a whole untaken branch comes back at once.
func (p *Planner) Unreachable(steps map[string]*schema.StepRecord) []string {
	skipped := make(map[string]bool)
	status := func(id string) schema.StepStatus {
		if skipped[id] {
			return schema.StepSkipped
		}
		if st := steps[id]; st != nil {
			return st.Status
		}
		return ""
	}

	var out []string
	for _, id := range p.graph.Order {
		inbound := p.graph.Inbound[id]
		if steps[id] != nil || len(inbound) == 0 {
			continue
		}
		if !p.allSettled(inbound, status) {
			continue
		}
		if p.anySatisfied(inbound, steps) {
			continue
		}
		skipped[id] = true
		out = append(out, id)
	}
	return out
}

// Done reports whether every node has a settled step record.
func (p *Planner) Done(steps map[string]*schema.StepRecord) bool {
	for id := range p.graph.Nodes {
		st := steps[id]
		if st == nil || !st.Status.Settled() {
			return false
		}
	}
	return true
}

// EdgeSatisfied reports whether e lets its target run: the source completed
// and, for logic sources with a labelled edge, produced the matching branch.
// Labels match the branch exactly; "Yes" and "yes" are different branches.
func (p *Planner) EdgeSatisfied(e schema.Edge, steps map[string]*schema.StepRecord) bool {
	src := steps[e.Source]
	if src == nil || src.Status != schema.StepCompleted {
		return false
	}
	branch := e.Branch()
	if branch == "" || p.graph.Nodes[e.Source].Type != schema.NodeLogic {
		return true
	}
	return branch == src.Branch
}

func (p *Planner) allSettled(inbound []schema.Edge, status func(string) schema.StepStatus) bool {
	for _, e := range inbound {
		if !status(e.Source).Settled() {
			return false
		}
	}
	return true
}

func (p *Planner) anySatisfied(inbound []schema.Edge, steps map[string]*schema.StepRecord) bool {
	for _, e := range inbound {
		if p.EdgeSatisfied(e, steps) {
			return true
		}
	}
	return false
}

func statusOf(steps map[string]*schema.StepRecord) func(string) schema.StepStatus {
	return func(id string) schema.StepStatus {
		if st := steps[id]; st != nil {
			return st.Status
		}
		return ""
	}
}
