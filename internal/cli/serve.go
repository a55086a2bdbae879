package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/binmcp/internal/config"
	"github.com/coral-mesh/binmcp/internal/constants"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run the MCP server until interrupted.

With the stdio transport the MCP protocol runs over stdin/stdout and logs go
to stderr. With the sse transport the server listens for HTTP clients.

Examples:
  # Claude Desktop / IDE integration
  binmcp serve

  # HTTP server-sent events on a custom port
  binmcp serve --transport sse --addr 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			a, err := setup(cmd, func(cfg *config.Config) {
				override(fs, "transport", fs.GetString, &cfg.Server.Transport)
				override(fs, "addr", fs.GetString, &cfg.Server.Addr)
				override(fs, "audit", fs.GetBool, &cfg.Server.AuditEnabled)
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
				defer cancel()
				a.shutdown(shutdownCtx)
			}()

			switch a.cfg.Server.Transport {
			case constants.TransportSSE:
				return a.server.ServeSSE(ctx, a.cfg.Server.Addr)
			case constants.TransportStdio:
				return a.server.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			default:
				return fmt.Errorf("unknown transport %q", a.cfg.Server.Transport)
			}
		},
	}

	cmd.Flags().String("transport", constants.TransportStdio, "MCP transport (stdio, sse)")
	cmd.Flags().String("addr", constants.DefaultSSEAddr, "Listen address for the sse transport")
	cmd.Flags().Bool("audit", false, "Log every tool call with its arguments")

	return cmd
}
