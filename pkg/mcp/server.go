// Package mcp exposes the engine's operator surface as MCP tools so agents
// can inspect, cancel, start and define flows.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowengine/internal/dispatcher"
	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/flows"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/pkg/schema"
)

// Runs is the engine surface the tools read and cancel through.
type Runs interface {
	GetRun(ctx context.Context, runID string) (*engine.RunSnapshot, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.FlowRun, error)
	RunHistory(ctx context.Context, runID string, since int64) ([]*store.RunEvent, error)
	Visits(ctx context.Context, runID string) ([]*store.NodeVisit, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// Events accepts inbound events.
type Events interface {
	Dispatch(ctx context.Context, ev *schema.InboundEvent) (*dispatcher.Outcome, error)
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Runs   Runs
	Flows  *flows.Service
	Events Events
	// Hub enables run watching; nil disables it.
	Hub    *streaming.Hub
	Logger *slog.Logger
}

// FlowServer wraps an MCP server with the flow tool handlers.
type FlowServer struct {
	runs      Runs
	flows     *flows.Service
	events    Events
	hub       *streaming.Hub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		runs:     deps.Runs,
		flows:    deps.Flows,
		events:   deps.Events,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	s.mcpServer = server.NewMCPServer(
		"flowengine",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("flowengine runs conversational automation flows. Use flow.query to list runs, events, visits or flows, flow.status to inspect (and optionally watch) a run, flow.cancel to stop one, flow.emit to send an inbound event, flow.define to validate and store a flow definition, and flow.diagram to draw a flow or a run's progress."),
	)
	s.mcpServer.AddTools(s.tools()...)
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
// Watched runs are notified while it serves.
func (s *FlowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewRunNotifier(s.mcpServer, s.sessions, s.hub, s.logger)
		go func() {
			if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("run notifier stopped", slog.String("error", err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the run watch registry.
func (s *FlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: emitTool(), Handler: s.handleEmit},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get a flow run's status and pending wait"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
		mcp.WithBoolean("watch", mcp.Description("Push this run's events to the current session until it finishes")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Cancel a running or suspended flow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Query runs, run events, node visits or flows"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "visits", "flows"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (run_id, flow_id, company_id, entity_ref, status, since, active_only, limit)")),
	)
}

func emitTool() mcp.Tool {
	return mcp.NewTool("flow.emit",
		mcp.WithDescription("Send an inbound event to the trigger dispatcher. CHAT_CLOSED and ENTITY_DELETED cancel the entity's live runs"),
		mcp.WithString("kind", mcp.Required(),
			mcp.Enum(
				string(schema.EventNewMessage), string(schema.EventTagAdded), string(schema.EventStageChange),
				string(schema.EventLeadCreated), string(schema.EventKeyword), string(schema.EventSystem),
				string(schema.EventManual), string(schema.EventWaitReply),
				string(schema.EventChatClosed), string(schema.EventEntityDeleted),
			),
			mcp.Description("Event kind"),
		),
		mcp.WithString("company_id", mcp.Description("Owning company (required except for WAIT_REPLY)")),
		mcp.WithString("entity_ref", mcp.Required(), mcp.Description("Contact or entity the event is about")),
		mcp.WithObject("payload", mcp.Description("Event payload (content, message_type, inbox_id, tag_id, column_id, event, flow_id, ...)")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Validate and store a flow definition"),
		mcp.WithString("company_id", mcp.Required(), mcp.Description("Owning company")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow definition with nodes and edges")),
		mcp.WithString("flow_id", mcp.Description("Existing flow to replace (default: new flow)")),
		mcp.WithString("name", mcp.Description("Flow name")),
		mcp.WithBoolean("active", mcp.Description("Activate the flow once stored")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Render a flow, or a run's progress through it, as a Mermaid flowchart"),
		mcp.WithString("flow_id", mcp.Description("Flow to draw")),
		mcp.WithString("run_id", mcp.Description("Run to draw with its visited and active nodes (wins over flow_id)")),
	)
}
