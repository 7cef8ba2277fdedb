package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/calflow/internal/streaming"
)

// streamRun streams one run's events (GET /api/v1/runs/:id/stream?nodeId=&types=).
func (s *Server) streamRun(c echo.Context) error {
	if _, err := s.deps.Store.GetRun(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return s.serveSSE(c, streaming.EventFilter{
		RunID:      c.Param("id"),
		NodeID:     c.QueryParam("nodeId"),
		EventTypes: eventTypes(c),
	})
}

// streamEvents streams every event, optionally for one workflow
// (GET /api/v1/events/stream?workflowId=&types=a,b).
func (s *Server) streamEvents(c echo.Context) error {
	return s.serveSSE(c, streaming.EventFilter{
		WorkflowID: c.QueryParam("workflowId"),
		EventTypes: eventTypes(c),
	})
}

func eventTypes(c echo.Context) []string {
	v := c.QueryParam("types")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// serveSSE writes hub events as Server-Sent Events until the client leaves.
func (s *Server) serveSSE(c echo.Context, filter streaming.EventFilter) error {
	if s.deps.Hub == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event streaming is disabled")
	}
	ctx := c.Request().Context()
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			w.Flush()
		}
	}
}
