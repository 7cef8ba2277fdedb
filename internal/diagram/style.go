package diagram

import "github.com/goccy/go-graphviz/cgraph"

// shape is how one NodeKind is drawn by each renderer.
type shape struct {
	open, close string // mermaid brackets
	dot         cgraph.Shape
}

var shapes = map[NodeKind]shape{
	NodeKindEntry:    {"([", "])", cgraph.OvalShape},
	NodeKindTask:     {"[", "]", cgraph.BoxShape},
	NodeKindDecision: {"{", "}", cgraph.DiamondShape},
	NodeKindWait:     {"(", ")", cgraph.EllipseShape},
	NodeKindCall:     {"[[", "]]", cgraph.Box3DShape},
	NodeKindGate:     {"{{", "}}", cgraph.HexagonShape},
}

func shapeOf(k NodeKind) shape {
	if s, ok := shapes[k]; ok {
		return s
	}
	return shapes[NodeKindTask]
}

// statusStyle is the overlay look of one step status.
type statusStyle struct {
	status     string // schema.StepStatus
	class      string // mermaid classDef name
	tag        string // ascii marker
	fill       string
	font       string
	mermaidDef string
	dashed     bool
}

// palette is ordered; mermaid emits its classDefs in this order.
var palette = []statusStyle{
	{status: "completed", class: "completed", tag: "[OK]", fill: "#2d6a2d", font: "#ffffff",
		mermaidDef: "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{status: "failed", class: "failed", tag: "[FAIL]", fill: "#8b1a1a", font: "#ffffff",
		mermaidDef: "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{status: "running", class: "running", tag: "[RUN]", fill: "#1a5276", font: "#ffffff",
		mermaidDef: "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{status: "pending", class: "suspended", tag: "[WAIT]", fill: "#b7791a", font: "#ffffff",
		mermaidDef: "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{status: "skipped", class: "skipped", tag: "[SKIP]", fill: "#4a4a4a", font: "#aaaaaa",
		mermaidDef: "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5", dashed: true},
}

func styleOf(status string) (statusStyle, bool) {
	for _, s := range palette {
		if s.status == status {
			return s, true
		}
	}
	return statusStyle{}, false
}
