package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

// workflowResponse pairs a saved workflow with its validation report.
type workflowResponse struct {
	Workflow   *schema.Workflow         `json:"workflow"`
	Validation *schema.ValidationResult `json:"validation,omitempty"`
}

// listWorkflows (GET /api/v1/workflows?status=&limit=)
func (s *Server) listWorkflows(c echo.Context) error {
	filter := store.WorkflowFilter{Limit: queryInt(c, "limit", 0)}
	if st := c.QueryParam("status"); st != "" {
		status := schema.WorkflowStatus(st)
		filter.Status = &status
	}
	workflows, err := s.deps.Store.ListWorkflows(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

// getWorkflow (GET /api/v1/workflows/:id)
func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// createWorkflow saves a new draft (POST /api/v1/workflows).
func (s *Server) createWorkflow(c echo.Context) error {
	wf, err := bindWorkflow(c)
	if err != nil {
		return err
	}
	result, err := s.deps.Catalog.SaveDraft(c.Request().Context(), wf)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, workflowResponse{Workflow: wf, Validation: result})
}

// updateWorkflow replaces a workflow and drafts it (PUT /api/v1/workflows/:id).
func (s *Server) updateWorkflow(c echo.Context) error {
	wf, err := bindWorkflow(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if wf.ID != "" && wf.ID != id {
		return schema.NewErrorf(schema.ErrCodeValidation, "body id %q does not match path id %q", wf.ID, id)
	}
	wf.ID = id
	result, err := s.deps.Catalog.SaveDraft(c.Request().Context(), wf)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowResponse{Workflow: wf, Validation: result})
}

// deleteWorkflow (DELETE /api/v1/workflows/:id)
func (s *Server) deleteWorkflow(c echo.Context) error {
	if err := s.deps.Catalog.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// publishWorkflow (POST /api/v1/workflows/:id/publish)
func (s *Server) publishWorkflow(c echo.Context) error {
	wf, result, err := s.deps.Catalog.Publish(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowResponse{Workflow: wf, Validation: result})
}

// validateWorkflow checks a workflow body without saving it
// (POST /api/v1/workflows/validate).
func (s *Server) validateWorkflow(c echo.Context) error {
	wf, err := bindWorkflow(c)
	if err != nil {
		return err
	}
	result := s.deps.Catalog.Validate(wf)
	return c.JSON(http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// webhookStats (GET /api/v1/workflows/:id/webhook-stats?since=24h)
func (s *Server) webhookStats(c echo.Context) error {
	window, err := queryDuration(c, "since", 24*time.Hour)
	if err != nil {
		return err
	}
	stats, err := store.ComputeWebhookStats(c.Request().Context(), s.deps.Store, c.Param("id"), time.Now().UTC().Add(-window))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func bindWorkflow(c echo.Context) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := bindBody(c, &wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid workflow body").WithCause(err)
	}
	return &wf, nil
}
