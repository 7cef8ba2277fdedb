package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/calflow/internal/diagram"
	"github.com/rendis/calflow/internal/streaming"
	"github.com/rendis/calflow/internal/workflowfile"
	"github.com/rendis/calflow/pkg/schema"
)

type runOptions struct {
	file    string
	payload string
	timeout time.Duration
	output  string
	drawRun bool
	persist bool
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run -f <workflow-file>",
		Short: "Execute a workflow file once and print the run",
		Long: `Publish a workflow file into a throwaway in-memory store and run it.

The command returns when the run finishes, parks on an approval or form, or
the timeout passes. Delays shorter than the timeout are waited out. Use
--persist to run against the configured store instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), opts, ro, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&ro.file, "file", "f", "", "workflow file (.yaml, .yml or .json)")
	flags.StringVarP(&ro.payload, "payload", "p", "", "trigger payload as a JSON object")
	flags.DurationVar(&ro.timeout, "timeout", time.Minute, "how long to wait for the run to settle")
	flags.StringVarP(&ro.output, "output", "o", "text", "output format: text, json")
	flags.BoolVar(&ro.drawRun, "diagram", false, "draw the run as ASCII art after it settles")
	flags.BoolVar(&ro.persist, "persist", false, "use the configured store instead of memory")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runOnce(ctx context.Context, opts *rootOptions, ro *runOptions, w io.Writer) error {
	if ro.output != "text" && ro.output != "json" {
		return fmt.Errorf("invalid output %q: must be text or json", ro.output)
	}
	wf, err := workflowfile.Load(ro.file)
	if err != nil {
		return err
	}
	payload := map[string]any{}
	if ro.payload != "" {
		if err := json.Unmarshal([]byte(ro.payload), &payload); err != nil {
			return fmt.Errorf("parse --payload: %w", err)
		}
	}

	cfg := *opts.cfg
	if !ro.persist {
		cfg.Store.Driver = driverMemory
	}
	cfg.MCP.Enabled = false
	cfg.NATS.URL, cfg.NATS.Embedded = "", false

	a, err := newApp(ctx, &cfg, opts.logger)
	if err != nil {
		return err
	}
	defer a.close()

	if _, result, err := a.catalog.Import(ctx, wf); err != nil {
		if result != nil {
			printValidation(w, wf.ID, result)
		}
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, ro.timeout)
	defer cancel()
	events, unsubscribe, err := a.hub.Subscribe(waitCtx, streaming.EventFilter{WorkflowID: wf.ID})
	if err != nil {
		return err
	}
	defer unsubscribe()

	run, err := a.catalog.StartRun(ctx, wf.ID, schema.TriggerEvent{Kind: schema.TriggerManual, Payload: payload})
	if err != nil {
		return err
	}
	run, err = a.settle(waitCtx, run, events)
	if err != nil {
		return err
	}

	if ro.output == "json" {
		return printJSON(w, run)
	}
	printRun(w, run)
	if ro.drawRun {
		model, err := diagram.Build(nil, run)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, diagram.RenderASCII(model))
	}
	return nil
}

// settle waits until the run needs nothing but time it does not have: it is
// terminal, parked on a person, or ctx expires.
func (a *app) settle(ctx context.Context, run *schema.Run, events <-chan streaming.StreamEvent) (*schema.Run, error) {
	for !settled(run) {
		select {
		case <-ctx.Done():
			return a.scheduler.GetRun(context.Background(), run.ID)
		case ev := <-events:
			if ev.RunID != run.ID {
				continue
			}
		}
		latest, err := a.scheduler.GetRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		run = latest
	}
	return run, nil
}

func settled(run *schema.Run) bool {
	switch run.Status {
	case schema.RunPendingApproval:
		return true
	case schema.RunWaiting:
		for _, st := range run.Steps {
			if st.Status == schema.StepPending && st.Suspend == schema.SuspendForm {
				return true
			}
		}
		return false
	}
	return run.Status.Terminal()
}
