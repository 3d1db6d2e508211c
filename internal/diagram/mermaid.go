package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef active fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status == nil || node.Status.State == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), node.Status.State))
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the kind's shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))
	if node.Status != nil && node.Status.Visits > 1 {
		label = fmt.Sprintf("%s ×%d", label, node.Status.Visits)
	}

	switch node.Kind {
	case NodeKindTrigger:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	case NodeKindDecision:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

var idReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// "end" is reserved by Mermaid.
func mermaidSafeID(id string) string {
	id = idReplacer.Replace(id)
	if strings.EqualFold(id, "end") {
		return id + "_"
	}
	return id
}

var labelReplacer = strings.NewReplacer(`"`, "#quot;", "|", "#124;", "\n", " ")

// mermaidEscapeLabel escapes characters that end a Mermaid label.
func mermaidEscapeLabel(s string) string {
	return labelReplacer.Replace(s)
}
