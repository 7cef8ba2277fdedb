package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/pkg/schema"
)

// Graph is the validated, indexed form of a workflow snapshot.
type Graph struct {
	Nodes    map[string]schema.Node   // node ID → node
	Inbound  map[string][]schema.Edge // node ID → edges targeting it
	Outbound map[string][]schema.Edge // node ID → edges leaving it
	Order    []string                 // topological order
	Roots    []string                 // nodes with no inbound edges
	Levels   [][]string               // nodes grouped by longest-path depth
}

// ParseGraph validates a workflow and builds its Graph.
// It rejects duplicate or empty node IDs, unknown node types, dangling and
// duplicate edges, and cycles, and checks type-specific config.
func ParseGraph(wf *schema.Workflow) (*Graph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Nodes:    make(map[string]schema.Node, len(wf.Nodes)),
		Inbound:  make(map[string][]schema.Edge, len(wf.Nodes)),
		Outbound: make(map[string][]schema.Edge, len(wf.Nodes)),
	}

	for i, n := range wf.Nodes {
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if _, exists := g.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", n.ID)
		}
		if !slices.Contains(schema.NodeTypes, n.Type) {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "node %s has unknown type %q", n.ID, n.Type).WithNode(n.ID)
		}
		g.Nodes[n.ID] = n
	}

	for _, n := range wf.Nodes {
		if err := validateNodeConfig(n); err != nil {
			return nil, err
		}
	}

	type edgeKey struct{ source, target, branch string }
	seen := make(map[edgeKey]bool, len(wf.Edges))
	for i, e := range wf.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %d references unknown source %q", i, e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %d references unknown target %q", i, e.Target)
		}
		if e.Source == e.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", e.Source).WithNode(e.Source)
		}
		k := edgeKey{e.Source, e.Target, e.Branch()}
		if seen[k] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge %s -> %s", e.Source, e.Target)
		}
		seen[k] = true
		g.Inbound[e.Target] = append(g.Inbound[e.Target], e)
		g.Outbound[e.Source] = append(g.Outbound[e.Source], e)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	var queue []string
	for id := range g.Nodes {
		inDegree[id] = len(g.Inbound[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)
	g.Roots = slices.Clone(queue)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.Order = append(g.Order, id)

		var next []string
		for _, e := range g.Outbound[id] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				next = append(next, e.Target)
			}
		}
		slices.Sort(next)
		queue = append(queue, next...)
	}

	if len(g.Order) != len(g.Nodes) {
		var stuck []string
		for id, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		slices.Sort(stuck)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "workflow contains a cycle through %s", strings.Join(stuck, ", ")).
			WithDetails(map[string]any{"nodes": stuck})
	}

	g.Levels = computeLevels(g)
	return g, nil
}

// computeLevels groups nodes by longest distance from a root.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Nodes))
	maxLevel := 0
	for _, id := range g.Order {
		d := 0
		for _, e := range g.Inbound[id] {
			if depth[e.Source]+1 > d {
				d = depth[e.Source] + 1
			}
		}
		depth[id] = d
		maxLevel = max(maxLevel, d)
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// Node returns the node by ID.
func (g *Graph) Node(id string) schema.Node { return g.Nodes[id] }

// Successors returns the distinct targets of a node's outbound edges.
func (g *Graph) Successors(id string) []string {
	var out []string
	for _, e := range g.Outbound[id] {
		if !slices.Contains(out, e.Target) {
			out = append(out, e.Target)
		}
	}
	return out
}

// validateNodeConfig checks what can be known about a node config before any
// reference is resolved. Templated values are checked at dispatch.
func validateNodeConfig(n schema.Node) error {
	raw, masked, err := expressions.MaskReferences(n.Config)
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			return fe.WithNode(n.ID)
		}
		return err
	}
	cfg, err := schema.DecodeConfig(n.Type, raw)
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			return fe.WithNode(n.ID)
		}
		return err
	}

	// set reports whether a field has a value now or will have one once resolved.
	set := func(key, v string) bool { return v != "" || masked[key] }
	invalid := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "%s node %s: %s", n.Type, n.ID, fmt.Sprintf(format, args...)).WithNode(n.ID)
	}

	switch c := cfg.(type) {
	case *schema.LogicConfig:
		if !set("expression", c.Expression) {
			return invalid("expression is required")
		}
		if !masked["language"] && c.Language != "" && c.Language != "expr" && c.Language != "cel" {
			return invalid("unsupported language %q", c.Language)
		}
	case *schema.DelayConfig:
		if !masked["duration"] && !masked["minutes"] && !templated(c.Duration) {
			if _, err := c.Wait(); err != nil {
				return invalid("%v", err)
			}
		}
	case *schema.ActionConfig:
		switch c.Kind {
		case schema.ActionSendEmail:
			if !set("to", c.To) {
				return invalid("send-email requires 'to'")
			}
		case schema.ActionHTTPRequest:
			if !set("url", c.URL) {
				return invalid("http-request requires 'url'")
			}
		default:
			if !masked["kind"] {
				return invalid("unknown action kind %q", c.Kind)
			}
		}
	case *schema.WebhookConfig:
		if !set("url", c.URL) {
			return invalid("url is required")
		}
	case *schema.APIConfig:
		if !set("url", c.URL) {
			return invalid("url is required")
		}
	case *schema.NotificationConfig:
		if !masked["channel"] && !templated(c.Channel) && c.Channel != schema.ChannelEmail && c.Channel != schema.ChannelSMS && c.Channel != schema.ChannelInApp {
			return invalid("unknown channel %q", c.Channel)
		}
		if !set("recipient", c.Recipient) {
			return invalid("recipient is required")
		}
	case *schema.FormConfig:
		if c.TimeoutMinutes < 0 {
			return invalid("timeoutMinutes must not be negative")
		}
	}
	return nil
}

func templated(s string) bool { return strings.Contains(s, "{{") }
