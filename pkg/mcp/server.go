package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conex/internal/engine"
	"github.com/rendis/conex/internal/secrets"
	"github.com/rendis/conex/internal/store"
	"github.com/rendis/conex/internal/streaming"
	"github.com/rendis/conex/pkg/schema"
)

// GraphValidator is the pre-flight check behind conex.validate.
// *validation.GraphValidator satisfies it.
type GraphValidator interface {
	Validate(g *schema.Graph) *schema.ValidationResult
	ValidateRun(g *schema.Graph, input map[string]any) error
}

// ScheduleCreator registers cron-triggered flows.
// *scheduler.Scheduler satisfies it.
type ScheduleCreator interface {
	Create(ctx context.Context, sf *store.ScheduledFlow) error
}

// ServerDeps holds the dependencies for creating a ConexServer.
// Events, Schedules, Scheduler and Hub are optional.
type ServerDeps struct {
	Engine     engine.Engine
	Executions store.ExecutionStore
	Events     store.EventStore
	Schedules  store.ScheduleStore
	Scheduler  ScheduleCreator
	Validator  GraphValidator
	Vault      secrets.Vault
	Hub        streaming.EventHub
	Version    string
	Logger     *slog.Logger
}

// ConexServer wraps an MCP server with the conex tool handlers.
type ConexServer struct {
	engine     engine.Engine
	executions store.ExecutionStore
	events     store.EventStore
	schedules  store.ScheduleStore
	scheduler  ScheduleCreator
	validator  GraphValidator
	vault      secrets.Vault
	hub        streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   *RunNotifier
	mcpServer  *server.MCPServer
}

// NewConexServer creates a ConexServer with every tool registered.
func NewConexServer(deps ServerDeps) *ConexServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	hub := deps.Hub
	if hub == nil {
		hub = streaming.Nop{}
	}

	s := &ConexServer{
		engine:     deps.Engine,
		executions: deps.Executions,
		events:     deps.Events,
		schedules:  deps.Schedules,
		scheduler:  deps.Scheduler,
		validator:  deps.Validator,
		vault:      deps.Vault,
		hub:        hub,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"conex",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conex runs lead automation flows: a graph of trigger, httpCall, dataTransform, monitor, conversationalAICall, logicGate and leadValidator nodes. Use conex.validate before conex.run, conex.status and conex.list to inspect executions, conex.encrypt to seal connection credentials and conex.schedule to run a flow on a cron expression."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.sessions, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Completion notifications for async runs are pushed while
// it serves.
func (s *ConexServer) Serve(ctx context.Context) error {
	if err := s.notifier.Watch(ctx, s.hub); err != nil {
		s.logger.Warn("run notifications disabled", slog.String("error", err.Error()))
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConexServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ConexServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: encryptTool(), Handler: s.handleEncrypt},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("conex.run",
		mcp.WithDescription("Execute a flow graph against a trigger input"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Flow graph: {nodes: [...], edges: [...], timeout?}")),
		mcp.WithObject("input", mcp.Description("Trigger input, available to templates as trigger.input")),
		mcp.WithArray("connections", mcp.Description("Encrypted connections: [{id, type, encryptedCredentials}]"),
			mcp.Items(map[string]any{"type": "object"})),
		mcp.WithString("flow_id", mcp.Description("Flow identifier recorded on the execution")),
		mcp.WithString("organization_id", mcp.Description("Owning organization")),
		mcp.WithString("organization_name", mcp.Description("Organization display name used by voice calls")),
		mcp.WithString("user_id", mcp.Description("Initiating user")),
		mcp.WithString("timeout", mcp.Description("Whole-run timeout, e.g. 30s (overrides the graph timeout)")),
		mcp.WithBoolean("async", mcp.Description("Return the execution id immediately and notify on completion")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conex.status",
		mcp.WithDescription("Get the persisted record of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithBoolean("include_events", mcp.Description("Also return the execution's event log")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("conex.list",
		mcp.WithDescription("List executions, events, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "schedules"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (flow_id, organization_id, status, since, limit, offset, execution_id, enabled)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("conex.validate",
		mcp.WithDescription("Validate a flow graph and, optionally, a trigger input"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Flow graph to validate")),
		mcp.WithObject("input", mcp.Description("Trigger input checked against the trigger inputSchema")),
	)
}

func encryptTool() mcp.Tool {
	return mcp.NewTool("conex.encrypt",
		mcp.WithDescription("Encrypt connection credentials into an encryptedCredentials blob"),
		mcp.WithObject("credentials", mcp.Required(), mcp.Description("Credential fields, e.g. {apiKey} or {username, password}")),
		mcp.WithString("connection_id", mcp.Description("Connection id to echo back on the record")),
		mcp.WithString("type", mcp.Description("Connection type to echo back on the record")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("conex.schedule",
		mcp.WithDescription("Run a flow graph on a cron schedule"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("Flow identifier recorded on every run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression (5 fields or @hourly style descriptor)")),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Flow graph to run")),
		mcp.WithObject("input", mcp.Description("Trigger input for every run")),
		mcp.WithArray("connections", mcp.Description("Encrypted connections"), mcp.Items(map[string]any{"type": "object"})),
		mcp.WithString("name", mcp.Description("Schedule name")),
		mcp.WithString("organization_id", mcp.Description("Owning organization")),
	)
}
