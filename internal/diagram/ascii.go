package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// RenderASCII renders a DiagramModel level by level with box-drawing
// characters, for terminals. Branch labels are listed below the boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	rows := make([][]box, 0, len(model.Levels))
	for _, level := range model.Levels {
		var row []box
		for _, id := range level {
			if n := findNode(model.Nodes, id); n != nil {
				row = append(row, newBox(n))
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	for i, row := range rows {
		if i > 0 {
			b.WriteString("       │\n       ▼\n")
		}
		writeRow(&b, row)
	}

	first := true
	for _, e := range model.Edges {
		if e.Label == "" {
			continue
		}
		if first {
			b.WriteString("\nbranches:\n")
			first = false
		}
		fmt.Fprintf(&b, "  %s ─[%s]→ %s\n", e.From, e.Label, e.To)
	}
	return b.String()
}

// box is a rendered node: its lines all have the same rune width.
type box []string

func (bx box) width() int { return utf8.RuneCountInString(bx[0]) }

func newBox(n *Node) box {
	content := append([]string{firstLine(n.Label)}, overlayLines(n.Status)...)
	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}

	rule := strings.Repeat("─", inner+2)
	bx := box{"┌" + rule + "┐"}
	for _, c := range content {
		bx = append(bx, "│ "+c+strings.Repeat(" ", inner-utf8.RuneCountInString(c))+" │")
	}
	return append(bx, "└"+rule+"┘")
}

func overlayLines(ov *StatusOverlay) []string {
	if ov == nil {
		return nil
	}
	var out []string
	if st, ok := styleOf(ov.Status); ok {
		tag := st.tag
		if ov.Status == "pending" && ov.Suspend != "" {
			tag = "[WAIT " + ov.Suspend + "]"
		}
		out = append(out, tag)
	}
	if ov.DurationMs > 0 {
		out = append(out, fmt.Sprintf("%dms", ov.DurationMs))
	}
	if ov.Attempts > 1 {
		out = append(out, fmt.Sprintf("%d attempts", ov.Attempts))
	}
	return out
}

func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx))
	}
	for line := range height {
		for i, bx := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if line < len(bx) {
				b.WriteString(bx[line])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width()))
			}
		}
		b.WriteByte('\n')
	}
}
