package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/calflow/internal/diagram"
	"github.com/rendis/calflow/internal/engine"
	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

// recentSteps feeds the dashboard activity list
// (GET /api/v1/steps/recent?workflowId=&type=&status=&since=1h&limit=).
func (s *Server) recentSteps(c echo.Context) error {
	filter := store.StepFilter{
		WorkflowID: c.QueryParam("workflowId"),
		Type:       schema.NodeType(c.QueryParam("type")),
		Status:     schema.StepStatus(c.QueryParam("status")),
		Limit:      queryInt(c, "limit", 50),
	}
	window, err := queryDuration(c, "since", 0)
	if err != nil {
		return err
	}
	if window > 0 {
		since := time.Now().UTC().Add(-window)
		filter.Since = &since
	}
	steps, err := s.deps.Store.ListRecentSteps(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, steps)
}

// breakers (GET /api/v1/breakers)
func (s *Server) breakers(c echo.Context) error {
	stats := s.deps.Scheduler.Breakers()
	if stats == nil {
		stats = []engine.BreakerStats{}
	}
	return c.JSON(http.StatusOK, stats)
}

// pool (GET /api/v1/pool)
func (s *Server) pool(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Scheduler.Pool())
}

// workflowDiagram (GET /api/v1/workflows/:id/diagram?format=mermaid|ascii|svg|png)
func (s *Server) workflowDiagram(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	model, err := diagram.Build(wf, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return renderDiagram(c, model)
}

// runDiagram draws a run's snapshot with step status overlaid
// (GET /api/v1/runs/:id/diagram).
func (s *Server) runDiagram(c echo.Context) error {
	run, err := s.deps.Scheduler.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	model, err := diagram.Build(nil, run)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return renderDiagram(c, model)
}

func renderDiagram(c echo.Context, model *diagram.DiagramModel) error {
	switch format := c.QueryParam("format"); format {
	case "", "mermaid":
		return c.String(http.StatusOK, diagram.RenderMermaid(model))
	case "ascii":
		return c.String(http.StatusOK, diagram.RenderASCII(model))
	case "svg", "png":
		img, err := diagram.RenderImage(c.Request().Context(), model, format)
		if err != nil {
			return err
		}
		contentType := "image/png"
		if format == "svg" {
			contentType = "image/svg+xml"
		}
		return c.Blob(http.StatusOK, contentType, img)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
	}
}
