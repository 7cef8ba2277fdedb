// Package api exposes the engine over HTTP with echo: workflow authoring,
// run control, approvals, forms, inbound webhooks and live event streams.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/calflow/internal/catalog"
	"github.com/rendis/calflow/internal/engine"
	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/internal/streaming"
	"github.com/rendis/calflow/pkg/schema"
)

// Deps holds the collaborators of the HTTP API. Metrics and MCP are optional.
type Deps struct {
	Catalog   *catalog.Catalog
	Scheduler engine.Scheduler
	Store     store.Store
	Hub       streaming.EventHub
	Metrics   http.Handler
	MCP       http.Handler
	Logger    *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// NewServer builds the echo instance and registers every route.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{deps: deps, echo: e}
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			s.deps.Logger.LogAttrs(c.Request().Context(), level, "http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
	if s.deps.MCP != nil {
		e.Any("/mcp", echo.WrapHandler(s.deps.MCP))
		e.Any("/mcp/*", echo.WrapHandler(s.deps.MCP))
	}

	// Inbound webhooks start runs with kind=webhook.
	e.POST("/hooks/:workflowId", s.receiveWebhook)

	v1 := e.Group("/api/v1")

	v1.GET("/workflows", s.listWorkflows)
	v1.POST("/workflows", s.createWorkflow)
	v1.POST("/workflows/validate", s.validateWorkflow)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.PUT("/workflows/:id", s.updateWorkflow)
	v1.DELETE("/workflows/:id", s.deleteWorkflow)
	v1.POST("/workflows/:id/publish", s.publishWorkflow)
	v1.GET("/workflows/:id/diagram", s.workflowDiagram)
	v1.GET("/workflows/:id/webhook-stats", s.webhookStats)
	v1.POST("/workflows/:id/runs", s.startRun)

	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.getRun)
	v1.POST("/runs/:id/cancel", s.cancelRun)
	v1.POST("/runs/:id/resume", s.resumeRun)
	v1.GET("/runs/:id/events", s.runEvents)
	v1.GET("/runs/:id/diagram", s.runDiagram)
	v1.GET("/runs/:id/stream", s.streamRun)
	v1.POST("/runs/:id/approvals", s.resolveApproval)
	v1.POST("/runs/:id/forms/:nodeId", s.submitForm)

	v1.GET("/approvals", s.listPendingApprovals)
	v1.GET("/steps/recent", s.recentSteps)
	v1.GET("/breakers", s.breakers)
	v1.GET("/pool", s.pool)
	v1.GET("/events/stream", s.streamEvents)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error *schema.FlowError `json:"error"`
}

// errorHandler renders FlowErrors with their HTTP status. Echo's own errors
// (unknown route, bad bind) are mapped onto the same shape.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	fe, ok := schema.AsFlowError(err)
	status := http.StatusInternalServerError
	var he *echo.HTTPError
	switch {
	case ok:
		status = fe.HTTPStatus()
	case errors.As(err, &he):
		status = he.Code
		fe = schema.NewError(codeForStatus(status), httpErrorMessage(he))
	default:
		fe = schema.NewError(schema.ErrCodeExecution, err.Error())
	}

	if status >= http.StatusInternalServerError {
		s.deps.Logger.ErrorContext(c.Request().Context(), "request failed",
			slog.String("path", c.Path()),
			slog.String("code", fe.Code),
			slog.Any("error", err),
		)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorResponse{Error: fe})
	}
	if err != nil {
		s.deps.Logger.Error("write error response", slog.Any("error", err))
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return schema.ErrCodeNotFound
	case http.StatusConflict:
		return schema.ErrCodeConflict
	}
	if status >= 400 && status < 500 {
		return schema.ErrCodeValidation
	}
	return schema.ErrCodeExecution
}

func httpErrorMessage(he *echo.HTTPError) string {
	if msg, ok := he.Message.(string); ok {
		return msg
	}
	return http.StatusText(he.Code)
}
