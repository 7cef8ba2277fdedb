package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/calflow/internal/diagram"
	"github.com/rendis/calflow/internal/workflowfile"
)

func newDiagramCommand() *cobra.Command {
	var (
		file   string
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "diagram -f <workflow-file>",
		Short: "Draw a workflow file as ASCII art, Mermaid, SVG or PNG",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wf, err := workflowfile.Load(file)
			if err != nil {
				return err
			}
			model, err := diagram.Build(wf, nil)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "ascii":
				data = []byte(diagram.RenderASCII(model))
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model) + "\n")
			case diagram.FormatSVG, diagram.FormatPNG:
				if out == "" && format == diagram.FormatPNG {
					return fmt.Errorf("png output needs --out")
				}
				if data, err = diagram.RenderImage(cmd.Context(), model, format); err != nil {
					return err
				}
			default:
				return fmt.Errorf("invalid format %q: must be ascii, mermaid, svg or png", format)
			}

			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "workflow file (.yaml, .yml or .json)")
	flags.StringVar(&format, "format", "ascii", "ascii, mermaid, svg or png")
	flags.StringVar(&out, "out", "", "write to this file instead of stdout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
