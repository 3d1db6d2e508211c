package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

// validateGraph checks the edges and the shape of the flow graph.
func validateGraph(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	g := schema.NewGraph(def)

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		src, ok := g.Node(e.Source)
		if !ok {
			result.AddError(path+".source", fmt.Sprintf("edge references non-existent node %q", e.Source))
			continue
		}
		if _, ok := g.Node(e.Target); !ok {
			result.AddError(path+".target", fmt.Sprintf("edge references non-existent node %q", e.Target))
			continue
		}
		handle := strings.ToLower(e.Handle())
		if !slices.Contains(src.DeclaredHandles(), handle) {
			result.AddError(path+".sourceHandle",
				fmt.Sprintf("node %q (%s) has no output handle %q", src.ID, src.Type, e.SourceHandle))
		}
		if tgt, _ := g.Node(e.Target); tgt.Type == schema.NodeTrigger {
			result.AddError(path+".target", fmt.Sprintf("edge targets trigger node %q", e.Target))
		}
	}
	if !result.Valid() {
		return result
	}

	reachable := g.Reachable()
	for _, n := range def.Nodes {
		if n.Type != schema.NodeTrigger && !reachable[n.ID] {
			result.AddError("nodes/"+n.ID, fmt.Sprintf("node %q is not reachable from a trigger", n.ID))
		}
	}

	if cycle := findBusyCycle(g, def); cycle != nil {
		result.AddWarning("edges", fmt.Sprintf(
			"cycle %s has no wait node; runs looping through it stop at the hop limit",
			strings.Join(cycle, " -> ")))
	}
	return result
}

// findBusyCycle returns a cycle whose nodes never suspend the run, or nil.
func findBusyCycle(g *schema.Graph, def *schema.FlowDefinition) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(def.Nodes))
	var path []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		path = append(path, id)
		for _, next := range g.Successors(id) {
			n, ok := g.Node(next)
			if !ok {
				continue
			}
			if _, waits := n.WaitKind(); waits {
				continue
			}
			switch color[next] {
			case grey:
				start := slices.Index(path, next)
				found = append(slices.Clone(path[start:]), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, n := range def.Nodes {
		if _, waits := n.WaitKind(); waits {
			continue
		}
		if color[n.ID] == white && visit(n.ID) {
			return found
		}
	}
	return nil
}
