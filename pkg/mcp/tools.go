package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/calflow/internal/diagram"
	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

// handleDefine saves a workflow draft and, if asked, publishes it.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var wf schema.Workflow
	if err := json.Unmarshal(defBytes, &wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	result, err := s.catalog.SaveDraft(ctx, &wf)
	if err != nil {
		return toolError("save failed", err), nil
	}
	if !req.GetBool("publish", false) {
		return marshalResult(map[string]any{
			"workflow_id": wf.ID,
			"status":      wf.Status,
			"validation":  result,
		})
	}

	published, result, err := s.catalog.Publish(ctx, wf.ID)
	if err != nil {
		return marshalResult(map[string]any{
			"workflow_id": wf.ID,
			"status":      schema.WorkflowDraft,
			"error":       err.Error(),
			"validation":  result,
		})
	}
	return marshalResult(map[string]any{
		"workflow_id": published.ID,
		"status":      published.Status,
		"version":     published.Version,
		"validation":  result,
	})
}

// handleRun starts a manual run.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	run, err := s.catalog.StartRun(ctx, workflowID, schema.TriggerEvent{
		Kind:    schema.TriggerManual,
		Payload: mcp.ParseStringMap(req, "payload", nil),
	})
	if err != nil {
		return toolError("run failed", err), nil
	}
	return marshalResult(run)
}

// handleStatus returns a run, optionally with its event log.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.scheduler.GetRun(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	if !req.GetBool("include_events", false) {
		return marshalResult(run)
	}
	events, err := s.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return toolError("event query failed", err), nil
	}
	return marshalResult(map[string]any{"run": run, "events": events})
}

// handleApprove applies one decision to an open approval.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	approve, err := req.RequireBool("approve")
	if err != nil {
		return mcp.NewToolResultError("approve is required"), nil
	}
	actor := req.GetString("actor", "")
	if actor != "" {
		s.captureSession(ctx, actor)
	} else {
		actor = "mcp"
	}

	run, err := s.scheduler.ResolveApproval(ctx, runID, schema.Decision{
		NodeID:  req.GetString("node_id", ""),
		Approve: approve,
		Actor:   actor,
		Comment: req.GetString("comment", ""),
	})
	if err != nil {
		return toolError("decision rejected", err), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": run.ID,
		"status": run.Status,
	})
}

// handleSubmitForm completes a pending form step.
func (s *Server) handleSubmitForm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)
	if data == nil {
		return mcp.NewToolResultError("data is required"), nil
	}
	run, err := s.scheduler.SubmitForm(ctx, runID, nodeID, data)
	if err != nil {
		return toolError("form submission failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": run.ID,
		"status": run.Status,
	})
}

// handleCancel cancels a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.scheduler.Cancel(ctx, runID, req.GetString("reason", "cancelled via mcp"))
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": run.ID,
		"status": run.Status,
	})
}

// handleQuery lists resources based on filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "steps":
		return s.querySteps(ctx, filter)
	case "webhook_stats":
		return s.queryWebhookStats(ctx, filter)
	case "breakers":
		return marshalResult(map[string]any{"breakers": s.scheduler.Breakers()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{Limit: extractInt(filter, "limit", 50)}
	if status := extractString(filter, "status"); status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}
	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		Limit:      extractInt(filter, "limit", 50),
	}
	for _, st := range strings.Split(extractString(filter, "status"), ",") {
		if st != "" {
			rf.Statuses = append(rf.Statuses, schema.RunStatus(st))
		}
	}
	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	olderThan, err := extractDuration(filter, "older_than")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runs, err := s.scheduler.ListPendingApprovals(ctx, extractString(filter, "workflow_id"), olderThan)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"approvals": runs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := extractString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, runID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return toolError("query failed", err), nil
	}
	if eventType := extractString(filter, "event_type"); eventType != "" {
		kept := events[:0]
		for _, e := range events {
			if e.Type == eventType {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) querySteps(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.StepFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		Type:       schema.NodeType(extractString(filter, "type")),
		Status:     schema.StepStatus(extractString(filter, "status")),
		Limit:      extractInt(filter, "limit", 50),
	}
	window, err := extractDuration(filter, "since")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if window > 0 {
		since := time.Now().UTC().Add(-window)
		sf.Since = &since
	}
	steps, err := s.store.ListRecentSteps(ctx, sf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"steps": steps})
}

func (s *Server) queryWebhookStats(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID := extractString(filter, "workflow_id")
	if workflowID == "" {
		return mcp.NewToolResultError("webhook_stats query requires 'workflow_id' in filter"), nil
	}
	window, err := extractDuration(filter, "since")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if window == 0 {
		window = 24 * time.Hour
	}
	stats, err := store.ComputeWebhookStats(ctx, s.store, workflowID, time.Now().UTC().Add(-window))
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(stats)
}

// handleDiagram draws a workflow or a run in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	runID := req.GetString("run_id", "")
	workflowID := req.GetString("workflow_id", "")
	if runID == "" && workflowID == "" {
		return mcp.NewToolResultError("at least one of run_id or workflow_id is required"), nil
	}

	var (
		wf  *schema.Workflow
		run *schema.Run
	)
	if runID != "" {
		if run, err = s.scheduler.GetRun(ctx, runID); err != nil {
			return toolError("run not found", err), nil
		}
	} else if wf, err = s.store.GetWorkflow(ctx, workflowID); err != nil {
		return toolError("workflow not found", err), nil
	}

	model, err := diagram.Build(wf, run)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage("workflow diagram", base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Internal helpers ---

// captureSession maps an actor to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, actor string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actor, session.SessionID())
	}
}

// toolError reports a failed operation, keeping the error code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// extractDuration reads a Go duration string such as "48h".
func extractDuration(filter map[string]any, key string) (time.Duration, error) {
	v := extractString(filter, key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q: expected a duration like 48h", key, v)
	}
	return d, nil
}
