package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/calflow/internal/catalog"
	"github.com/rendis/calflow/internal/engine"
	"github.com/rendis/calflow/internal/store"
)

// Deps holds the dependencies for creating a Server.
type Deps struct {
	Catalog   *catalog.Catalog
	Scheduler engine.Scheduler
	Store     store.Store
	Logger    *slog.Logger
}

// Server exposes run inspection and control as MCP tools, so an assistant
// can debug a workflow the way an operator would.
type Server struct {
	catalog   *catalog.Catalog
	scheduler engine.Scheduler
	store     store.Store
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		catalog:   deps.Catalog,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"calflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("calflow runs calendar automation workflows. Use calflow.query to find runs, approvals and failing webhook steps, calflow.status to inspect one run step by step, calflow.diagram to see where it stopped, and calflow.approve, calflow.submit_form or calflow.cancel to move it on."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the streamable HTTP transport under /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the actor to session mapping used for push notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: submitFormTool(), Handler: s.handleSubmitForm},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("calflow.define",
		mcp.WithDescription("Save a workflow definition as a draft and optionally publish it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow object with id, name, nodes and edges")),
		mcp.WithBoolean("publish", mcp.Description("Publish after saving (default: false)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("calflow.run",
		mcp.WithDescription("Start a run of a published workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("payload", mcp.Description("Trigger payload, available as {{trigger.*}}")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("calflow.status",
		mcp.WithDescription("Get a run with its step records"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("include_events", mcp.Description("Also return the run's event log (default: false)")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("calflow.approve",
		mcp.WithDescription("Approve or reject a pending approval"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run waiting for approval")),
		mcp.WithBoolean("approve", mcp.Required(), mcp.Description("true approves, false rejects")),
		mcp.WithString("node_id", mcp.Description("Approval node; required when the run has several open approvals")),
		mcp.WithString("actor", mcp.Description("Who decides")),
		mcp.WithString("comment", mcp.Description("Reason for the decision")),
	)
}

func submitFormTool() mcp.Tool {
	return mcp.NewTool("calflow.submit_form",
		mcp.WithDescription("Submit the data of a pending form step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the waiting run")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Form node")),
		mcp.WithObject("data", mcp.Required(), mcp.Description("Submitted field values")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("calflow.cancel",
		mcp.WithDescription("Cancel a run that has not finished"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("calflow.query",
		mcp.WithDescription("Query workflows, runs, approvals, events, recent steps, webhook statistics or circuit breakers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "approvals", "events", "steps", "webhook_stats", "breakers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, run_id, status, type, since, older_than, limit)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("calflow.diagram",
		mcp.WithDescription("Draw a workflow, or a run with step status overlaid, as ASCII art, Mermaid or a base64 PNG"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to draw")),
		mcp.WithString("run_id", mcp.Description("Run to draw; takes precedence over workflow_id")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
