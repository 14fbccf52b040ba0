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
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s\n", mermaidEdge(edge))
	}

	if sg := model.Rollbacks; sg != nil {
		fmt.Fprintf(&b, "    subgraph %s[%q]\n", mermaidSafeID("__"+sg.Label+"__"), sg.Label)
		for _, node := range sg.Nodes {
			fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(node))
		}
		b.WriteString("    end\n")
		for _, edge := range sg.Edges {
			fmt.Fprintf(&b, "    %s\n", mermaidEdge(edge))
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef awaiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef rolledback fill:#5b2c6f,stroke:#3b1c4a,color:#fff\n")

	nodes := model.Nodes
	if model.Rollbacks != nil {
		nodes = append(append([]*Node{}, nodes...), model.Rollbacks.Nodes...)
	}
	for _, node := range nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindGated:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindRollback:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidEdge(edge Edge) string {
	arrow := "-->"
	if edge.Dashed {
		arrow = "-.->"
	}
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	return fmt.Sprintf("%s %s%s %s", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel keeps labels inside %q quoting readable: newlines
// become <br/> and double quotes become #quot;.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer("\n", "<br/>", `"`, "#quot;")
	return r.Replace(s)
}

// mermaidStatusClass maps a node or result status to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "success":
		return "success"
	case "failed", "rollback_failed":
		return "failed"
	case "running":
		return "running"
	case "awaiting_approval":
		return "awaiting"
	case "pending":
		return "pending"
	case "skipped":
		return "skipped"
	case "rolledback":
		return "rolledback"
	default:
		return ""
	}
}
