package diagram

import (
	"fmt"
	"strings"
)

var (
	mermaidIDReplacer    = strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	mermaidLabelReplacer = strings.NewReplacer(`"`, "'", "|", "/")
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Steps of a run
// overlay are tagged with one class per status.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString("    ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	b.WriteString("flowchart TD\n")
	if model.Title != "" {
		line("%%%% %s", model.Title)
	}
	for _, n := range model.Nodes {
		sh := shapeOf(n.Kind)
		line("%s%s%q%s", mermaidSafeID(n.ID), sh.open, mermaidEscapeLabel(firstLine(n.Label)), sh.close)
	}
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + mermaidEscapeLabel(e.Label) + "|"
		}
		line("%s %s %s", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	b.WriteByte('\n')
	for _, st := range palette {
		line("classDef %s %s", st.class, st.mermaidDef)
	}
	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		if st, ok := styleOf(n.Status.Status); ok {
			line("class %s %s", mermaidSafeID(n.ID), st.class)
		}
	}
	return b.String()
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
func mermaidSafeID(id string) string { return mermaidIDReplacer.Replace(id) }

// mermaidEscapeLabel swaps characters that break Mermaid's label parser.
func mermaidEscapeLabel(s string) string { return mermaidLabelReplacer.Replace(s) }

func firstLine(s string) string {
	head, _, _ := strings.Cut(s, "\n")
	return head
}
