package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/gocontext-indexd/internal/searcher"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/internal/vectorsync"
)

const (
	// ServerName is the MCP server name
	ServerName = "gocontext-indexd"
)

// ServerVersion is reported to clients. cmd/gocontext overrides it at link time.
var ServerVersion = "dev"

// Deps are the services behind the tools. The server does not own them;
// the caller closes storage after Serve returns.
type Deps struct {
	Storage  storage.Storage
	Tasks    storage.TaskStore
	Sync     *vectorsync.Synchronizer
	Searcher *searcher.Searcher
	Logger   *slog.Logger
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	storage  storage.Storage
	tasks    storage.TaskStore
	sync     *vectorsync.Synchronizer
	searcher *searcher.Searcher
	logger   *slog.Logger
}

// NewServer creates a new MCP server instance with every tool registered
func NewServer(deps Deps) (*Server, error) {
	if deps.Storage == nil || deps.Tasks == nil || deps.Sync == nil || deps.Searcher == nil {
		return nil, errors.New("mcp: storage, task store, synchronizer and searcher are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			ServerVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		storage:  deps.Storage,
		tasks:    deps.Tasks,
		sync:     deps.Sync,
		searcher: deps.Searcher,
		logger:   logger.With("component", "mcp"),
	}
	s.registerTools()
	return s, nil
}

// Serve runs the MCP server on stdio and blocks until the client disconnects
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer exposes the underlying server, for alternative transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) registerTools() {
	s.mcp.AddTool(indexCodebaseTool(), s.handleIndexCodebase)
	s.mcp.AddTool(getTaskTool(), s.handleGetTask)
	s.mcp.AddTool(listTasksTool(), s.handleListTasks)
	s.mcp.AddTool(cancelTaskTool(), s.handleCancelTask)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(deleteSourceTool(), s.handleDeleteSource)
}
