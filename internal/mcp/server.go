// Package mcp exposes credential inspection and maintenance as Model
// Context Protocol tools, so operators can drive keyward from an AI client.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/store"
)

// Options controls which tools are registered.
type Options struct {
	// Version is reported to clients during initialization.
	Version string
	// AllowWrites registers the revoke and reset tools. Keys are never
	// issued or regenerated over MCP since the plaintext would be handed to
	// the client.
	AllowWrites bool
}

// Server wraps the mcp-go server with keyward's tools and resources.
type Server struct {
	store  *store.Store
	quota  *quota.Accountant
	logger *slog.Logger
	server *server.MCPServer
}

// NewServer creates a Server with every tool and resource registered.
func NewServer(st *store.Store, acct *quota.Accountant, logger *slog.Logger, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		store:  st,
		quota:  acct,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"keyward",
		opts.Version,
		server.WithResourceCapabilities(false, false),
		server.WithToolCapabilities(false),
		server.WithInstructions("Inspect API keys, their monthly quotas and recent usage. "+
			"Start with keyward_list_owners or keyward_list_credentials."),
	)

	s.registerTools(mcpServer, opts.AllowWrites)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.server
}

// ServeStdio serves over stdin and stdout until stdin closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves the Streamable HTTP transport on addr.
func (s *Server) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func destructiveAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
		IdempotentHint:  boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
