package diagram

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

const maxSummaryRunes = 40

// Build constructs a DiagramModel from a flow definition. Without a run the
// model is the bare graph.
func Build(def *schema.FlowDefinition) (*DiagramModel, error) {
	if def == nil {
		return nil, errors.New("diagram: flow definition is nil")
	}

	known := make(map[string]bool, len(def.Nodes))
	nodes := make([]*Node, 0, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		known[n.ID] = true
		nodes = append(nodes, &Node{ID: n.ID, Label: nodeLabel(n), Kind: nodeKind(n)})
	}

	edges := make([]Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		if !known[e.Source] || !known[e.Target] {
			continue
		}
		label := strings.ToLower(e.Handle())
		if label == schema.HandleNext {
			label = ""
		}
		edges = append(edges, Edge{From: e.Source, To: e.Target, Label: label})
	}

	title := def.Name
	if title == "" {
		title = "Flow"
	}
	return &DiagramModel{Title: title, Nodes: nodes, Edges: edges}, nil
}

// BuildRun constructs the model of the run's definition snapshot with its
// visits overlaid. The node the run stands on is active, or failed when the
// run errored there.
func BuildRun(run *store.FlowRun, visits []*store.NodeVisit) (*DiagramModel, error) {
	if run == nil {
		return nil, errors.New("diagram: run is nil")
	}
	model, err := Build(run.Definition)
	if err != nil {
		return nil, err
	}
	model.Title = fmt.Sprintf("%s (run %s, %s)", model.Title, run.ID, strings.ToLower(string(run.Status)))

	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}
	for _, v := range visits {
		n, ok := index[v.NodeID]
		if !ok {
			continue
		}
		if n.Status == nil {
			n.Status = &StatusOverlay{State: StateVisited}
		}
		n.Status.Visits++
		if v.Handle != "" {
			n.Status.LastHandle = v.Handle
		}
	}

	if n, ok := index[run.CurrentNodeID]; ok && !run.Status.IsTerminal() {
		overlay(n).State = StateActive
	}
	if n, ok := index[run.ErrorNodeID]; ok && run.Status == schema.RunStatusErrored {
		overlay(n).State = StateFailed
	}
	return model, nil
}

func overlay(n *Node) *StatusOverlay {
	if n.Status == nil {
		n.Status = &StatusOverlay{}
	}
	return n.Status
}

func nodeKind(n *schema.Node) NodeKind {
	switch n.Type {
	case schema.NodeTrigger:
		return NodeKindTrigger
	case schema.NodeCondition, schema.NodeSwitch:
		return NodeKindDecision
	}
	if _, waits := n.WaitKind(); waits {
		return NodeKindWait
	}
	return NodeKindAction
}

// nodeLabel prefers the author's label and otherwise summarizes the node's
// configuration.
func nodeLabel(n *schema.Node) string {
	if l := strings.TrimSpace(n.Data.Label); l != "" {
		return l
	}
	if s := summary(n); s != "" {
		return fmt.Sprintf("%s: %s", n.Type, s)
	}
	return string(n.Type)
}

func summary(n *schema.Node) string {
	d := n.Data
	switch n.Type {
	case schema.NodeTrigger:
		if d.TriggerConfig == nil {
			return ""
		}
		if d.TriggerConfig.Keyword != "" {
			return fmt.Sprintf("%s %q", d.TriggerConfig.Type, d.TriggerConfig.Keyword)
		}
		if d.TriggerConfig.Event != "" {
			return fmt.Sprintf("%s %s", d.TriggerConfig.Type, d.TriggerConfig.Event)
		}
		return string(d.TriggerConfig.Type)
	case schema.NodeMessage, schema.NodeInteractive, schema.NodeWaitForResponse, schema.NodeExternalNotify:
		return truncate(d.Text)
	case schema.NodeWait:
		return fmt.Sprintf("%d min", int(d.Delay().Minutes()))
	case schema.NodeTag:
		return d.TagID
	case schema.NodeStage:
		return d.ColumnID
	case schema.NodeStatus:
		return d.Status
	case schema.NodeAIAction:
		return d.Action
	case schema.NodeCondition:
		return d.ConditionType
	case schema.NodeSwitch:
		return d.SwitchVariable()
	}
	return ""
}

func truncate(s string) string {
	s = firstLine(strings.TrimSpace(s))
	if utf8.RuneCountInString(s) <= maxSummaryRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxSummaryRunes]) + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
