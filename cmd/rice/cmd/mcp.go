package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ricelabs/rice/internal/app"
	"github.com/ricelabs/rice/internal/config"
)

// newMCPCmd creates the mcp command serving the protocol on stdio.
func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol on stdio",
		Long: `Runs the MCP server over stdin/stdout for AI coding assistants.
Stdout carries JSON-RPC exclusively; logs go to stderr or the log file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runMCP(cmd.Context(), cfg)
		},
	}
}

func runMCP(ctx context.Context, cfg *config.Config) error {
	log, cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wire components: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	return a.MCPServer().Run(ctx)
}
