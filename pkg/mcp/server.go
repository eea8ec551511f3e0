package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/store"
)

// Retrier re-runs persisted failed cleanups. Satisfied by *cleanup.Retrier.
type Retrier interface {
	Retry(ctx context.Context, sessionID string) (*cleanup.RetryOutcome, error)
	RetryAll(ctx context.Context) ([]*cleanup.RetryOutcome, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Store   store.Store
	Retrier Retrier
	Version string
	Logger  *slog.Logger
}

// Server wraps an MCP server with the e2ekit tool handlers.
type Server struct {
	store     store.Store
	retrier   Retrier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		store:   deps.Store,
		retrier: deps.Retrier,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"e2ekit",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("e2ekit runs end-to-end test pipelines and cleans up the resources they create. Use pipeline.plan to check a pipeline's execution order, cleanup.list to inspect failed cleanups left by earlier runs, and cleanup.retry to delete what they left behind."),
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

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: retryTool(), Handler: s.handleRetry},
	}
}

// --- Tool definitions ---

func planTool() mcp.Tool {
	return mcp.NewTool("pipeline.plan",
		mcp.WithDescription("Validate a pipeline and return its execution order"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition: name, nodes (id, file, depends_on, on_failure), on_failure, viewports")),
		mcp.WithString("format",
			mcp.Enum("json", "ascii", "mermaid"),
			mcp.Description("Output format: json order (default), ascii diagram, or mermaid flowchart"),
		),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("cleanup.list",
		mcp.WithDescription("List failed cleanups persisted by earlier runs"),
		mcp.WithString("session_id", mcp.Description("Return the full record for one session instead of a summary of all")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("cleanup.retry",
		mcp.WithDescription("Retry persisted failed cleanups with freshly loaded credentials"),
		mcp.WithString("session_id", mcp.Description("Session to retry (default: every persisted session)")),
	)
}
