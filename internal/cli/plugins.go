package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/binmcp/internal/logging"
	"github.com/coral-mesh/binmcp/internal/mcp"
	"github.com/coral-mesh/binmcp/internal/plugin"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	unsafeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect loaded plugins",
	}

	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsDescribeCmd())

	return cmd
}

func newPluginsListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins and their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}

			records := a.plugins.List()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), records)
			}

			writePluginTable(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newPluginsDescribeCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "describe <plugin>",
		Short: "Show a plugin's instructions and tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}

			rec, ok := a.plugins.Get(args[0])
			if !ok {
				return fmt.Errorf("plugin %q is not loaded", args[0])
			}

			md := describeMarkdown(rec)
			if raw {
				_, err := io.WriteString(cmd.OutOrStdout(), md)
				return err
			}

			rendered, err := renderMarkdown(cmd.OutOrStdout(), md)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print Markdown without rendering")

	return cmd
}

// writePluginTable prints one row per tool grouped by plugin.
func writePluginTable(w io.Writer, records []plugin.Record) {
	toolWidth := len("TOOL")
	for _, rec := range records {
		for _, op := range rec.Operations {
			toolWidth = max(toolWidth, len(mcp.ToolName(op.Qualified)))
		}
	}

	nameCol := lipgloss.NewStyle().Width(12)
	versionCol := lipgloss.NewStyle().Width(10)
	toolCol := lipgloss.NewStyle().Width(toolWidth + 2)
	flagCol := lipgloss.NewStyle().Width(8)

	row := func(cells ...string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top,
			nameCol.Render(cells[0]),
			versionCol.Render(cells[1]),
			toolCol.Render(cells[2]),
			flagCol.Render(cells[3]),
			cells[4],
		)
	}

	_, _ = fmt.Fprintln(w, headerStyle.Render(row("PLUGIN", "VERSION", "TOOL", "UNSAFE", "DESCRIPTION")))
	for _, rec := range records {
		name, ver := rec.Name, rec.Version
		for _, op := range rec.Operations {
			unsafe := ""
			if op.Unsafe {
				unsafe = unsafeStyle.Render("yes")
			}
			_, _ = fmt.Fprintln(w, row(name, ver, mcp.ToolName(op.Qualified), unsafe, op.Description))
			name, ver = "", ""
		}
	}

	tools := 0
	for _, rec := range records {
		tools += len(rec.Operations)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, hintStyle.Render(strconv.Itoa(len(records))+" plugins, "+strconv.Itoa(tools)+" tools"))
}

// describeMarkdown renders a plugin's instructions followed by its tools.
func describeMarkdown(rec plugin.Record) string {
	var sb strings.Builder
	sb.WriteString(rec.Instructions.Markdown(rec.Name + " v" + rec.Version))
	sb.WriteString("### Tools\n\n")
	for _, op := range rec.Operations {
		fmt.Fprintf(&sb, "#### `%s`", mcp.ToolName(op.Qualified))
		if op.Unsafe {
			sb.WriteString(" (unsafe)")
		}
		sb.WriteString("\n\n")
		if op.Description != "" {
			fmt.Fprintf(&sb, "%s\n\n", op.Description)
		}
		for _, p := range op.Signature {
			fmt.Fprintf(&sb, "- `%s` (%s", p.Name, p.Type)
			if p.Required {
				sb.WriteString(", required")
			}
			if p.Default != nil {
				fmt.Fprintf(&sb, ", default `%v`", p.Default)
			}
			sb.WriteString(")")
			if p.Description != "" {
				fmt.Fprintf(&sb, ": %s", p.Description)
			}
			sb.WriteString("\n")
		}
		if len(op.Signature) > 0 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// renderMarkdown renders md for w. Non-terminals and NO_COLOR get plain
// output.
func renderMarkdown(w io.Writer, md string) (string, error) {
	rendererOpts := []glamour.TermRendererOption{glamour.WithWordWrap(80)}
	if f, ok := w.(*os.File); !ok || os.Getenv("NO_COLOR") != "" || !logging.IsTerminal(f) {
		rendererOpts = append(rendererOpts, glamour.WithStylePath("notty"))
	} else {
		rendererOpts = append(rendererOpts, glamour.WithAutoStyle())
	}

	renderer, err := glamour.NewTermRenderer(rendererOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return renderer.Render(md)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
