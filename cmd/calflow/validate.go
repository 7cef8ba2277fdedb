package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/calflow/internal/handlers"
	"github.com/rendis/calflow/internal/validation"
	"github.com/rendis/calflow/internal/workflowfile"
	"github.com/rendis/calflow/pkg/schema"
)

// fileValidation is the JSON shape of one validated workflow file.
type fileValidation struct {
	File       string                   `json:"file"`
	WorkflowID string                   `json:"workflowId,omitempty"`
	Valid      bool                     `json:"valid"`
	Result     *schema.ValidationResult `json:"result,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func newValidateCommand(_ *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Validate workflow files without running them",
		Long: `Validate workflow definitions: structure, node configs, edges, cycles,
template references and cron expressions. Directories are searched for
.yaml, .yml and .json files.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("invalid output %q: must be text or json", output)
			}
			return runValidate(args, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json")
	return cmd
}

func runValidate(paths []string, output string, w io.Writer) error {
	registry, err := handlers.NewDefaultRegistry(handlers.Deps{})
	if err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return err
	}

	var results []fileValidation
	for _, p := range paths {
		files, err := expandPath(p)
		if err != nil {
			return err
		}
		for _, f := range files {
			results = append(results, validateFile(validator, f))
		}
	}

	failed := 0
	for _, r := range results {
		if !r.Valid {
			failed++
		}
	}
	if output == "json" {
		if err := printJSON(w, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(w, "✗ %s: %s\n", r.File, r.Error)
				continue
			}
			printValidation(w, r.File, r.Result)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workflow file(s) invalid", failed, len(results))
	}
	return nil
}

func validateFile(v *validation.WorkflowValidator, path string) fileValidation {
	wf, err := workflowfile.Load(path)
	if err != nil {
		return fileValidation{File: path, Error: err.Error()}
	}
	result := v.Validate(wf)
	return fileValidation{File: path, WorkflowID: wf.ID, Valid: result.Valid(), Result: result}
}

// expandPath returns path itself, or the workflow files inside it.
func expandPath(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	return workflowfile.ListDir(path)
}
