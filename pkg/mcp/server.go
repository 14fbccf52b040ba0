package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbook/internal/services"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// Engine is the orchestrator surface exposed as tools.
type Engine interface {
	Start(ctx context.Context, def *schema.Definition, event map[string]any) (*schema.ExecutionRecord, error)
	Status(ctx context.Context, executionID string) (*schema.ExecutionRecord, error)
	Approvals(ctx context.Context, executionID string) ([]*schema.ApprovalRequest, error)
	Respond(ctx context.Context, requestID, approverID string, decision schema.Decision, comment string) (*schema.ApprovalRequest, error)
	Delegate(ctx context.Context, requestID, from, to, reason string) (*schema.ApprovalRequest, error)
	Cancel(ctx context.Context, executionID, reason string) (*schema.ExecutionRecord, error)
}

// DefinitionValidator decodes and checks a definition document.
type DefinitionValidator interface {
	ValidateBytes(data []byte) (*schema.Definition, *schema.ValidationResult)
}

// DefinitionStore keeps named definitions for later runs.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *schema.Definition) error
	GetDefinition(ctx context.Context, id string) (*schema.Definition, error)
	ListDefinitions(ctx context.Context) ([]*schema.Definition, error)
}

// ServiceCatalog lists the invocable services.
type ServiceCatalog interface {
	List() []services.Info
}

// PlaybookServerDeps holds the dependencies for creating a PlaybookServer.
type PlaybookServerDeps struct {
	Engine      Engine
	Validator   DefinitionValidator
	Definitions DefinitionStore
	Services    ServiceCatalog
	Hub         streaming.EventHub
	Sessions    *ApproverSessions
	Logger      *slog.Logger
}

// PlaybookServer wraps an MCP server with playbook tool handlers.
type PlaybookServer struct {
	engine      Engine
	validator   DefinitionValidator
	definitions DefinitionStore
	services    ServiceCatalog
	hub         streaming.EventHub
	sessions    *ApproverSessions
	logger      *slog.Logger
	mcpServer   *server.MCPServer

	// send pushes a notification to one session; replaced in tests.
	send func(sessionID, method string, params map[string]any) error

	watchMu  sync.Mutex
	watchers map[watchKey]func()
	closed   bool
}

type watchKey struct {
	sessionID   string
	executionID string
}

// NewPlaybookServer creates a PlaybookServer with all tools registered.
func NewPlaybookServer(deps PlaybookServerDeps) *PlaybookServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewApproverSessions()
	}

	s := &PlaybookServer{
		engine:      deps.Engine,
		validator:   deps.Validator,
		definitions: deps.Definitions,
		services:    deps.Services,
		hub:         deps.Hub,
		sessions:    sessions,
		logger:      logger,
		watchers:    make(map[watchKey]func()),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessionClosed(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"playbook",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Playbook runs incident-response playbooks with human approval gates. Use playbook.validate to check a definition, playbook.define to store it, playbook.run to start it, playbook.status and playbook.approvals to follow it, playbook.respond or playbook.delegate to answer approval requests, playbook.watch to stream its audit trail, playbook.diagram to draw it, and playbook.cancel to stop and roll back."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.send = mcpSrv.SendNotificationToSpecificClient
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PlaybookServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler returns an SSE transport for HTTP serving.
func (s *PlaybookServer) SSEHandler(baseURL string) *server.SSEServer {
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PlaybookServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// SetEngine binds the orchestrator. The orchestrator needs the server's
// notifier first, so wiring creates the server with a nil Engine and binds it
// here before serving.
func (s *PlaybookServer) SetEngine(e Engine) {
	s.engine = e
}

// Sessions returns the approver to session registry.
func (s *PlaybookServer) Sessions() *ApproverSessions {
	return s.sessions
}

// Close stops every trail watcher.
func (s *PlaybookServer) Close() {
	s.watchMu.Lock()
	stops := make([]func(), 0, len(s.watchers))
	for _, stop := range s.watchers {
		stops = append(stops, stop)
	}
	s.watchers = make(map[watchKey]func())
	s.closed = true
	s.watchMu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (s *PlaybookServer) sessionClosed(sessionID string) {
	s.sessions.Drop(sessionID)
	s.watchMu.Lock()
	var stops []func()
	for k, stop := range s.watchers {
		if k.sessionID == sessionID {
			stops = append(stops, stop)
			delete(s.watchers, k)
		}
	}
	s.watchMu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *PlaybookServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: definitionsTool(), Handler: s.handleDefinitions},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approvalsTool(), Handler: s.handleApprovals},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: delegateTool(), Handler: s.handleDelegate},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: watchTool(), Handler: s.handleWatch},
		{Tool: servicesTool(), Handler: s.handleServices},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("playbook.run",
		mcp.WithDescription("Validate and start a playbook for a triggering event"),
		mcp.WithObject("definition", mcp.Description("Playbook definition object")),
		mcp.WithString("definition_id", mcp.Description("ID of a definition stored with playbook.define; used when definition is absent")),
		mcp.WithObject("event", mcp.Description("Triggering security event")),
		mcp.WithString("approver_id", mcp.Description("Caller identity; approval requests addressed to it are pushed to this session")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("playbook.validate",
		mcp.WithDescription("Check a playbook definition without running it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Playbook definition object")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("playbook.define",
		mcp.WithDescription("Validate and store a playbook definition under its id"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Playbook definition object")),
	)
}

func definitionsTool() mcp.Tool {
	return mcp.NewTool("playbook.definitions",
		mcp.WithDescription("List stored playbook definitions"),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("playbook.status",
		mcp.WithDescription("Get an execution record"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithBoolean("include_trail", mcp.Description("Include the audit trail (default: false)")),
	)
}

func approvalsTool() mcp.Tool {
	return mcp.NewTool("playbook.approvals",
		mcp.WithDescription("List the approval requests of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithBoolean("pending_only", mcp.Description("Only return pending requests (default: false)")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("playbook.respond",
		mcp.WithDescription("Approve or reject a pending approval request"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("approver_id", mcp.Required(), mcp.Description("ID of the responding approver")),
		mcp.WithString("decision", mcp.Required(), mcp.Enum("approve", "reject"), mcp.Description("Decision")),
		mcp.WithString("comment", mcp.Description("Free-form justification")),
	)
}

func delegateTool() mcp.Tool {
	return mcp.NewTool("playbook.delegate",
		mcp.WithDescription("Hand an approver slot to another person"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("from", mcp.Required(), mcp.Description("Current approver ID")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Delegate approver ID")),
		mcp.WithString("reason", mcp.Description("Reason recorded in the audit trail")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("playbook.cancel",
		mcp.WithDescription("Cancel an execution and roll back its completed actions"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Reason recorded in the audit trail")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("playbook.watch",
		mcp.WithDescription("Stream an execution's audit trail to this session as notifications"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func servicesTool() mcp.Tool {
	return mcp.NewTool("playbook.services",
		mcp.WithDescription("List the services playbook nodes can invoke"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("playbook.diagram",
		mcp.WithDescription("Render a playbook graph, overlaid with an execution's state when execution_id is given"),
		mcp.WithString("execution_id", mcp.Description("ID of an execution to render with node states")),
		mcp.WithObject("definition", mcp.Description("Playbook definition object")),
		mcp.WithString("definition_id", mcp.Description("ID of a stored definition")),
		mcp.WithString("format", mcp.Enum("mermaid", "ascii"), mcp.Description("Output format (default: mermaid)")),
	)
}
