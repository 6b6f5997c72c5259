// Package cmd provides the CLI commands for the rice server.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ricelabs/rice/pkg/version"
)

var (
	configPath string
	debugMode  bool
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rice",
		Short: "Local multi-tenant hybrid code search",
		Long: `Rice is a local code-search server combining keyword and semantic
retrieval over versioned stores. It serves HTTP/JSON and gRPC, streams
ingest over WebSocket, and speaks MCP on stdio for AI coding assistants.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("rice version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
