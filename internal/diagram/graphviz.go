package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

var imageFormats = map[string]graphviz.Format{
	"":        graphviz.PNG,
	FormatPNG: graphviz.PNG,
	FormatSVG: graphviz.SVG,
}

// RenderImage lays a DiagramModel out with graphviz dot and renders it as
// PNG or SVG.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	gvFormat, ok := imageFormats[format]
	if !ok {
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	if err := populate(graph, model); err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// populate copies the model's nodes and edges into graph. Edges whose ends
// are missing from the model are skipped.
func populate(graph *cgraph.Graph, model *DiagramModel) error {
	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := graph.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("create node %s: %w", n.ID, err)
		}
		gn.SetLabel(firstLine(n.Label))
		gn.SetShape(shapeOf(n.Kind).dot)
		if n.Status != nil {
			paint(gn, n.Status.Status)
		}
		byID[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("create edge %s -> %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}
	return nil
}

func paint(gn *cgraph.Node, status string) {
	st, ok := styleOf(status)
	if !ok {
		return
	}
	style := cgraph.FilledNodeStyle
	if st.dashed {
		style += "," + cgraph.DashedNodeStyle
	}
	gn.SetStyle(style)
	gn.SetFillColor(st.fill)
	gn.SetFontColor(st.font)
}
