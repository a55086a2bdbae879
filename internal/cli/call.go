package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/binmcp/internal/constants"
	"github.com/coral-mesh/binmcp/internal/dispatch"
	"github.com/coral-mesh/binmcp/internal/resource"
)

func newCallCmd() *cobra.Command {
	var (
		binary     string
		argsJSON   string
		noAnalysis bool
		save       bool
	)

	cmd := &cobra.Command{
		Use:   "call <tool-name>",
		Short: "Call one tool without an MCP client",
		Long: `Call a tool directly, optionally opening a binary first.

The result is printed as JSON. Errors are printed as {"kind", "message"}
and the command exits non-zero.

Examples:
  # Binary metadata
  binmcp call program_info --open ./a.out

  # Functions matching a pattern
  binmcp call program_functions --open ./a.out --args '{"filter":"parse_*"}'

  # Rename a function and persist it
  binmcp call program_rename --open ./a.out --save \
    --args '{"address":"0x401000","name":"entry"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolName := args[0]

			a, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
				defer cancel()
				a.shutdown(shutdownCtx)
			}()

			if binary != "" {
				if _, err := a.sessions.Replace(ctx, binary, resource.Options{AutoAnalysis: !noAnalysis}); err != nil {
					return printError(cmd, err)
				}
			}

			result, err := a.server.ExecuteTool(ctx, toolName, argsJSON)
			if err != nil {
				return printError(cmd, err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), result)

			if save && binary != "" {
				active, err := a.sessions.Active()
				if err != nil {
					return printError(cmd, err)
				}
				if err := active.Handle.Close(ctx, true); err != nil {
					return printError(cmd, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&binary, "open", "", "Binary to open in a fresh session before the call")
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().BoolVar(&noAnalysis, "no-analysis", false, "Open without auto analysis")
	cmd.Flags().BoolVar(&save, "save", false, "Save pending annotations of the opened binary after the call")

	return cmd
}

// printError writes the normalized error payload and returns an error for
// the exit status.
func printError(cmd *cobra.Command, err error) error {
	payload := dispatch.Payload(err)
	out, marshalErr := json.MarshalIndent(payload, "", "  ")
	if marshalErr != nil {
		return err
	}
	cmd.PrintErrln(string(out))
	return fmt.Errorf("tool call failed: %s", payload.Kind)
}
