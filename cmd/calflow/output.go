package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rendis/calflow/pkg/schema"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRun writes a run header and one row per step.
func printRun(w io.Writer, run *schema.Run) {
	fmt.Fprintf(w, "run %s  workflow %s v%d  %s\n", run.ID, run.WorkflowID, run.WorkflowVersion, run.Status)
	if run.Error != nil {
		fmt.Fprintf(w, "error: %s\n", run.Error.Error())
	}
	if len(run.Steps) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nNODE\tTYPE\tSTATUS\tDURATION\tNOTE")
	for _, st := range run.Steps {
		note := ""
		switch {
		case st.Error != nil:
			note = st.Error.Error()
		case st.Suspend != "":
			note = "waiting on " + string(st.Suspend)
		case st.Branch != "":
			note = "branch " + st.Branch
		}
		duration := "-"
		if ms := st.DurationMs(); ms > 0 {
			duration = fmt.Sprintf("%dms", ms)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.NodeID, st.Type, st.Status, duration, note)
	}
	_ = tw.Flush()
}

func printValidation(w io.Writer, id string, result *schema.ValidationResult) {
	if result.Valid() {
		fmt.Fprintf(w, "✓ %s is valid\n", id)
	} else {
		fmt.Fprintf(w, "✗ %s has %d error(s)\n", id, len(result.Errors))
	}
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "  error   %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "  warning %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
	}
}
