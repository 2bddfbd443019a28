package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xx70235/AstroPropose/internal/engine"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// TransitionEngine is the engine surface exposed over MCP. Satisfied by
// *engine.Engine.
type TransitionEngine interface {
	ExecuteTransition(ctx context.Context, proposalID int64, action string, actor *schema.Actor, tctx map[string]any) (*engine.TransitionResult, error)
	AllowedActions(ctx context.Context, proposalID int64, actor *schema.Actor) ([]engine.AllowedAction, error)
	ExecuteOperation(ctx context.Context, operationID int64, actor *schema.Actor, tctx map[string]any) (*engine.OperationResult, error)
}

// Store is the persistence the MCP tools read. Satisfied by store.Store.
type Store interface {
	GetActor(ctx context.Context, userID int64) (*schema.Actor, error)
	ListTraces(ctx context.Context, filter store.TraceFilter) ([]*schema.ExecutionTrace, error)
}

// AstroServerDeps holds the dependencies for creating an AstroServer.
type AstroServerDeps struct {
	Engine TransitionEngine
	Store  Store
	Logger *slog.Logger
}

// AstroServer wraps an MCP server with proposal workflow tool handlers.
type AstroServer struct {
	engine    TransitionEngine
	store     Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAstroServer creates a new AstroServer with all 4 tools registered.
func NewAstroServer(version string, deps AstroServerDeps) *AstroServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if version == "" {
		version = "dev"
	}

	s := &AstroServer{
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"astropropose",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("AstroPropose drives telescope proposals through their review workflow. Use astropropose.allowed_actions to see which transitions an actor may take, astropropose.transition to execute one, astropropose.execute_operation to run a single tool operation outside a transition, and astropropose.tool_executions to inspect the external tool calls a proposal triggered."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AstroServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AstroServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *AstroServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: transitionTool(), Handler: s.handleTransition},
		{Tool: allowedActionsTool(), Handler: s.handleAllowedActions},
		{Tool: executeOperationTool(), Handler: s.handleExecuteOperation},
		{Tool: toolExecutionsTool(), Handler: s.handleToolExecutions},
	}
}

// --- Tool definitions ---

func transitionTool() mcp.Tool {
	return mcp.NewTool("astropropose.transition",
		mcp.WithDescription("Execute a workflow transition on a proposal"),
		mcp.WithNumber("proposal_id", mcp.Required(), mcp.Description("ID of the proposal")),
		mcp.WithString("action", mcp.Required(), mcp.Description("Name of the transition to execute")),
		mcp.WithNumber("actor_id", mcp.Required(), mcp.Description("ID of the user performing the transition")),
		mcp.WithObject("context", mcp.Description("Transition context visible to conditions and tool mappings")),
	)
}

func allowedActionsTool() mcp.Tool {
	return mcp.NewTool("astropropose.allowed_actions",
		mcp.WithDescription("List the transitions an actor may take on a proposal"),
		mcp.WithNumber("proposal_id", mcp.Required(), mcp.Description("ID of the proposal")),
		mcp.WithNumber("actor_id", mcp.Required(), mcp.Description("ID of the user")),
	)
}

func executeOperationTool() mcp.Tool {
	return mcp.NewTool("astropropose.execute_operation",
		mcp.WithDescription("Run one tool operation outside any transition, as a proposal form does. Results are returned, not saved to the proposal"),
		mcp.WithNumber("operation_id", mcp.Required(), mcp.Description("ID of the tool operation")),
		mcp.WithNumber("actor_id", mcp.Required(), mcp.Description("ID of the user running the operation")),
		mcp.WithObject("context", mcp.Description("Mapping input; a proposal_id member loads that proposal")),
	)
}

func toolExecutionsTool() mcp.Tool {
	return mcp.NewTool("astropropose.tool_executions",
		mcp.WithDescription("List external tool execution traces for a proposal"),
		mcp.WithNumber("proposal_id", mcp.Required(), mcp.Description("ID of the proposal")),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "retrying", "success", "failed"),
			mcp.Description("Only return traces in this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of traces (default: all)")),
	)
}
