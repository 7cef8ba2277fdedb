package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

// startRunRequest is the body of a manual run start.
type startRunRequest struct {
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers"`
}

// startRun triggers a manual run (POST /api/v1/workflows/:id/runs). The call
// returns once the run completes, fails or parks.
func (s *Server) startRun(c echo.Context) error {
	var req startRunRequest
	if err := bindBody(c, &req); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid run request").WithCause(err)
	}
	run, err := s.deps.Catalog.StartRun(c.Request().Context(), c.Param("id"), schema.TriggerEvent{
		Kind:    schema.TriggerManual,
		Payload: req.Payload,
		Headers: req.Headers,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, run)
}

// receiveWebhook starts a run from an inbound HTTP call
// (POST /hooks/:workflowId). A JSON object body becomes the payload; with no
// body the query parameters are used instead.
func (s *Server) receiveWebhook(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "read webhook body").WithCause(err)
	}

	payload := map[string]any{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return schema.NewError(schema.ErrCodeValidation, "webhook body must be a JSON object").WithCause(err)
		}
	} else {
		for k, v := range c.QueryParams() {
			if len(v) > 0 {
				payload[k] = v[0]
			}
		}
	}

	headers := make(map[string]string, len(req.Header))
	for k, v := range req.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	run, err := s.deps.Catalog.StartRun(req.Context(), c.Param("workflowId"), schema.TriggerEvent{
		Kind:    schema.TriggerWebhook,
		Payload: payload,
		Headers: headers,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"runId":  run.ID,
		"status": run.Status,
	})
}

const maxWebhookBody = 1 << 20

// listRuns (GET /api/v1/runs?workflowId=&status=&limit=&offset=)
func (s *Server) listRuns(c echo.Context) error {
	filter := store.RunFilter{
		WorkflowID: c.QueryParam("workflowId"),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	for _, st := range c.QueryParams()["status"] {
		for _, part := range strings.Split(st, ",") {
			if part != "" {
				filter.Statuses = append(filter.Statuses, schema.RunStatus(part))
			}
		}
	}
	runs, err := s.deps.Store.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

// getRun returns a run with its step records (GET /api/v1/runs/:id).
func (s *Server) getRun(c echo.Context) error {
	run, err := s.deps.Scheduler.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// cancelRun (POST /api/v1/runs/:id/cancel)
func (s *Server) cancelRun(c echo.Context) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bindBody(c, &req); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid cancel request").WithCause(err)
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}
	run, err := s.deps.Scheduler.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// resumeRun re-enters an interrupted run (POST /api/v1/runs/:id/resume).
func (s *Server) resumeRun(c echo.Context) error {
	run, err := s.deps.Scheduler.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// runEvents (GET /api/v1/runs/:id/events?since=)
func (s *Server) runEvents(c echo.Context) error {
	var since int64
	if v := c.QueryParam("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid since %q", v)
		}
		since = n
	}
	ctx := c.Request().Context()
	if _, err := s.deps.Store.GetRun(ctx, c.Param("id")); err != nil {
		return err
	}
	events, err := store.NewEventLog(s.deps.Store).Events(ctx, c.Param("id"), since)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

// listPendingApprovals (GET /api/v1/approvals?workflowId=&olderThan=48h)
func (s *Server) listPendingApprovals(c echo.Context) error {
	olderThan, err := queryDuration(c, "olderThan", 0)
	if err != nil {
		return err
	}
	runs, err := s.deps.Scheduler.ListPendingApprovals(c.Request().Context(), c.QueryParam("workflowId"), olderThan)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

// resolveApproval applies one decision (POST /api/v1/runs/:id/approvals).
// A second decision on the same approval answers 409.
func (s *Server) resolveApproval(c echo.Context) error {
	var d schema.Decision
	if err := bindBody(c, &d); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid decision").WithCause(err)
	}
	run, err := s.deps.Scheduler.ResolveApproval(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// submitForm (POST /api/v1/runs/:id/forms/:nodeId)
func (s *Server) submitForm(c echo.Context) error {
	data := map[string]any{}
	if err := bindBody(c, &data); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "form data must be a JSON object").WithCause(err)
	}
	run, err := s.deps.Scheduler.SubmitForm(c.Request().Context(), c.Param("id"), c.Param("nodeId"), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}
