// Package mcp exposes the autopilot's operator controls as MCP tools, so an
// operator's assistant can inspect runs, replay dead letters and steer the
// safety governor over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/intake"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine *engine.Engine
	Store  store.Store
	Manual *intake.Manual
	Hub    streaming.EventHub
	// Operator is the principal tool calls act as. Defaults to a synthetic
	// operator named "mcp".
	Operator *identity.Principal
	Logger   *slog.Logger
}

// Server wraps an MCP server with autopilot tool handlers.
type Server struct {
	engine    *engine.Engine
	store     store.Store
	manual    *intake.Manual
	hub       streaming.EventHub
	operator  *identity.Principal
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	op := deps.Operator
	if op == nil {
		op = &identity.Principal{ID: "mcp", Name: "mcp", Role: identity.RoleOperator}
	}

	s := &Server{
		engine:   deps.Engine,
		store:    deps.Store,
		manual:   deps.Manual,
		hub:      deps.Hub,
		operator: op,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"autopilot",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Autopilot runs property-management workflows. Use autopilot.runs to inspect runs, autopilot.replay to requeue a dead-lettered run, autopilot.governor and its companions to inspect or steer the safety governor, and autopilot.exceptions to triage escalations."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		go func() {
			if err := s.WatchEvents(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("mcp event watch stopped", slog.String("error", err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: replayTool(), Handler: s.handleReplay},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: governorTool(), Handler: s.handleGovernor},
		{Tool: killSwitchTool(), Handler: s.handleKillSwitch},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: evaluateTool(), Handler: s.handleEvaluate},
		{Tool: exceptionsTool(), Handler: s.handleExceptions},
		{Tool: exceptionTool(), Handler: s.handleException},
	}
}

// --- Tool definitions ---

func runsTool() mcp.Tool {
	return mcp.NewTool("autopilot.runs",
		mcp.WithDescription("List workflow runs, or show one run with its steps, exceptions and action logs"),
		mcp.WithString("run_id", mcp.Description("Return the full detail of this run")),
		mcp.WithString("status", mcp.Enum("QUEUED", "RUNNING", "COMPLETED", "FAILED", "ESCALATED"), mcp.Description("Filter by run status")),
		mcp.WithString("workflow_type", mcp.Description("Filter by workflow type")),
		mcp.WithString("property_id", mcp.Description("Filter by property")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 50, max 200)")),
	)
}

func replayTool() mcp.Tool {
	return mcp.NewTool("autopilot.replay",
		mcp.WithDescription("Requeue a dead-lettered run with a fresh attempt budget"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the dead-lettered run")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("autopilot.trigger",
		mcp.WithDescription("Start a workflow run manually"),
		mcp.WithString("workflow_type", mcp.Required(), mcp.Description("Workflow to run")),
		mcp.WithString("property_id", mcp.Description("Property the run acts on")),
		mcp.WithObject("payload", mcp.Description("Workflow input")),
		mcp.WithNumber("max_attempts", mcp.Description("Retry budget for this run (default from config, 1-100)")),
	)
}

func governorTool() mcp.Tool {
	return mcp.NewTool("autopilot.governor",
		mcp.WithDescription("Show the safety governor state and whether autonomy is currently allowed"),
	)
}

func killSwitchTool() mcp.Tool {
	return mcp.NewTool("autopilot.kill_switch",
		mcp.WithDescription("Engage or release the global kill switch"),
		mcp.WithBoolean("on", mcp.Required(), mcp.Description("true halts all autonomous dispatch")),
		mcp.WithString("reason", mcp.Description("Why the switch is engaged (required when on)")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("autopilot.resume",
		mcp.WithDescription("Clear the kill switch and any automatic pause"),
	)
}

func evaluateTool() mcp.Tool {
	return mcp.NewTool("autopilot.evaluate",
		mcp.WithDescription("Evaluate the recent window now and pause autonomy if the trip rule holds"),
	)
}

func exceptionsTool() mcp.Tool {
	return mcp.NewTool("autopilot.exceptions",
		mcp.WithDescription("List escalations raised by workflows and the governor"),
		mcp.WithString("status", mcp.Enum("OPEN", "ACK", "RESOLVED"), mcp.Description("Filter by status")),
		mcp.WithString("severity", mcp.Enum("LOW", "MEDIUM", "HIGH", "CRITICAL"), mcp.Description("Filter by severity")),
		mcp.WithString("run_id", mcp.Description("Filter by run")),
		mcp.WithNumber("limit", mcp.Description("Maximum exceptions to return (default 50, max 200)")),
	)
}

func exceptionTool() mcp.Tool {
	return mcp.NewTool("autopilot.exception",
		mcp.WithDescription("Acknowledge or resolve an exception"),
		mcp.WithString("exception_id", mcp.Required(), mcp.Description("ID of the exception")),
		mcp.WithString("action", mcp.Required(), mcp.Enum("ack", "resolve"), mcp.Description("Transition to apply")),
	)
}
