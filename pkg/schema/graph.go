package schema

import "strings"

// Graph is an indexed, read-only view of a FlowDefinition: nodes by id and
// edges keyed by (source, handle).
type Graph struct {
	def   *FlowDefinition
	nodes map[string]*Node
	out   map[edgeKey][]string
	in    map[string]int
}

type edgeKey struct {
	source, handle string
}

// NewGraph indexes the definition. Duplicate node IDs keep the first node.
func NewGraph(def *FlowDefinition) *Graph {
	g := &Graph{
		def:   def,
		nodes: make(map[string]*Node, len(def.Nodes)),
		out:   make(map[edgeKey][]string, len(def.Edges)),
		in:    make(map[string]int, len(def.Nodes)),
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, dup := g.nodes[n.ID]; !dup {
			g.nodes[n.ID] = n
		}
	}
	for _, e := range def.Edges {
		k := edgeKey{source: e.Source, handle: normalizeHandle(e.Handle())}
		g.out[k] = append(g.out[k], e.Target)
		g.in[e.Target]++
	}
	return g
}

// Definition returns the underlying definition.
func (g *Graph) Definition() *FlowDefinition { return g.def }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Next returns the target of the first edge leaving source through handle.
// Handles compare case-insensitively.
func (g *Graph) Next(source, handle string) (string, bool) {
	targets := g.out[edgeKey{source: source, handle: normalizeHandle(handle)}]
	if len(targets) == 0 {
		return "", false
	}
	return targets[0], true
}

// Triggers returns the trigger nodes in declaration order.
func (g *Graph) Triggers() []*Node {
	var out []*Node
	for i := range g.def.Nodes {
		if g.def.Nodes[i].Type == NodeTrigger {
			out = append(out, &g.def.Nodes[i])
		}
	}
	return out
}

// Trigger returns the first trigger node, if any.
func (g *Graph) Trigger() (*Node, bool) {
	ts := g.Triggers()
	if len(ts) == 0 {
		return nil, false
	}
	return ts[0], true
}

// Successors returns every target reachable in one hop from id, any handle.
func (g *Graph) Successors(id string) []string {
	var out []string
	for _, e := range g.def.Edges {
		if e.Source == id {
			out = append(out, e.Target)
		}
	}
	return out
}

// Reachable returns the set of node IDs reachable from the trigger nodes.
func (g *Graph) Reachable() map[string]bool {
	seen := make(map[string]bool, len(g.nodes))
	var stack []string
	for _, t := range g.Triggers() {
		stack = append(stack, t.ID)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.Successors(id)...)
	}
	return seen
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
