// Package mcp exposes the workflow engine as Model Context Protocol tools so
// an orchestrating agent can drive tasks itself.
package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/service"
)

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Name    string
	Version string
	Addr    string // listen address for the streamable HTTP transport
	APIKey  string // empty disables authentication on HTTP
}

// ServerDeps holds the services the tools call. A nil service makes its
// tools return an error result.
type ServerDeps struct {
	Workflow *service.WorkflowService
	Memory   *service.MemoryService
	Costs    *service.CostService
	Config   *service.ConfigService
	Context  task.Context
}

// Server wraps an mcp-go server with the crewflow tools and resources.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a Server with every tool and resource registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(false, true),
			mcpserver.WithRecovery(),
			mcpserver.WithInstructions(instructions),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

const instructions = "crewflow drives a task through a chain of agent phases. " +
	"Call workflow_initialize once, then workflow_get_state or workflow_get_resume_state to see what is next. " +
	"A task with a pending_checkpoint needs workflow_resolve_checkpoint before any other change."

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the protocol on in/out until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

// Handler returns the streamable HTTP transport behind the API key check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer)))
	return mux
}

// Start listens on cfg.Addr and serves the HTTP transport in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	slog.Info("mcp server listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP transport down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
