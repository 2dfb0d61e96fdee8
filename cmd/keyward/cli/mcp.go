package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyward/keyward/internal/config"
	kmcp "github.com/keyward/keyward/internal/mcp"
	"github.com/keyward/keyward/internal/quota"
)

func newMCPCmd() *cobra.Command {
	var (
		transport   string
		port        int
		allowWrites bool
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that lets an AI client inspect
API keys, their quotas and recent usage. Supports stdio (default) and HTTP
transports.

The tools are read-only unless --allow-writes is given, which adds revoking a
key and resetting its usage. Keys are never issued over MCP.`,
		Example: `  keyward mcp --data-dir /var/lib/keyward
  keyward mcp --transport http --port 3001 --allow-writes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port, allowWrites)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")
	cmd.Flags().BoolVar(&allowWrites, "allow-writes", false, "Register the revoke and reset tools")

	return cmd
}

func runMCP(transport string, port int, allowWrites bool) error {
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol in stdio mode.
	logger := config.NewLogger(cfg.Log, os.Stderr, devMode)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := kmcp.NewServer(st, quota.New(st), logger, kmcp.Options{
		Version:     appVersion,
		AllowWrites: allowWrites,
	})

	if transport == "http" {
		return srv.ServeHTTP(fmt.Sprintf(":%d", port))
	}
	return srv.ServeStdio()
}
