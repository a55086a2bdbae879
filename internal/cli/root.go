// Package cli implements the binmcp command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/binmcp/pkg/version"
)

// NewRootCmd creates the binmcp root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "binmcp",
		Short: "binmcp - binary analysis over the Model Context Protocol",
		Long: `Expose a stateful binary analysis engine to MCP clients.

Each opened binary lives in a session backed by an analysis database.
Plugins contribute tools that query and annotate the active session:

- sessions: open, switch and close binaries
- program: sections, functions, imports, strings, disassembly, annotations

Run "binmcp serve" from your MCP client configuration, or try tools
directly with "binmcp call".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.binmcp/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error, disabled)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCallCmd())
	rootCmd.AddCommand(newPluginsCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("binmcp version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
