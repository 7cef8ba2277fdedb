package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/calflow/pkg/schema"
)

// apiClient talks to a running calflow server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out. Error bodies
// carry a FlowError, which is returned as is.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error *schema.FlowError `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != nil {
			return e.Error
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *apiClient) getRun(ctx context.Context, runID string) (*schema.Run, error) {
	var run schema.Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *apiClient) events(ctx context.Context, runID string) ([]*schema.Event, error) {
	var events []*schema.Event
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID)+"/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *apiClient) resolveApproval(ctx context.Context, runID string, d schema.Decision) (*schema.Run, error) {
	var run schema.Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/approvals", d, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "calflow server URL (default: base_url from config)")
}

// clientFor returns a client for --server, falling back to base_url.
func clientFor(cmd *cobra.Command, opts *rootOptions) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = opts.cfg.BaseURL
	}
	return newAPIClient(server)
}

func newApproveCommand(opts *rootOptions) *cobra.Command {
	var (
		reject bool
		d      schema.Decision
		output string
	)

	cmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve or reject a pending approval on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.Approve = !reject
			if d.Actor == "" {
				d.Actor = "cli"
			}
			run, err := clientFor(cmd, opts).resolveApproval(cmd.Context(), args[0], d)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), run)
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&reject, "reject", false, "reject instead of approve")
	flags.StringVar(&d.NodeID, "node", "", "approval node, required when several are open")
	flags.StringVar(&d.Actor, "actor", "", "who decides (default: cli)")
	flags.StringVar(&d.Comment, "comment", "", "reason for the decision")
	flags.StringVarP(&output, "output", "o", "text", "output format: text, json")
	addServerFlag(cmd)
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		output     string
		withEvents bool
	)

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run from a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := clientFor(cmd, opts)
			run, err := client.getRun(ctx, args[0])
			if err != nil {
				return err
			}
			var events []*schema.Event
			if withEvents {
				if events, err = client.events(ctx, run.ID); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if output == "json" {
				if withEvents {
					return printJSON(w, map[string]any{"run": run, "events": events})
				}
				return printJSON(w, run)
			}
			printRun(w, run)
			for _, e := range events {
				fmt.Fprintf(w, "%4d  %s  %-22s %s\n", e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, e.NodeID)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "text", "output format: text, json")
	flags.BoolVar(&withEvents, "events", false, "also print the run's event log")
	addServerFlag(cmd)
	return cmd
}
