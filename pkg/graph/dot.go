package graph

import (
	"fmt"
	"strings"
)

// DOT renders the graph in Graphviz DOT format. actions optionally maps node
// IDs to a planned action name, which selects the node fill color.
func (g *Graph) DOT(actions map[string]string) string {
	var sb strings.Builder

	sb.WriteString("digraph resources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	for _, id := range g.TopoSort() {
		label := id
		if action, ok := actions[id]; ok && action != "" {
			label = fmt.Sprintf("%s\\n%s", id, action)
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q];\n",
			id, label, actionColor(actions[id])))
	}

	sb.WriteString("\n")
	for _, id := range g.TopoSort() {
		for _, consumer := range g.Consumers(id) {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, consumer))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// actionColor returns the fill color for a planned action.
func actionColor(action string) string {
	switch action {
	case "create":
		return "lightgreen"
	case "update":
		return "lightblue"
	case "delete", "replace":
		return "lightcoral"
	case "no-op":
		return "lightgray"
	default:
		return "white"
	}
}
