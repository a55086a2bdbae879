// Package mcp exposes the dispatcher's operations as MCP tools over stdio or
// SSE using mark3labs/mcp-go.
package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/binmcp/internal/constants"
	"github.com/coral-mesh/binmcp/internal/dispatch"
	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/logging"
)

// Config contains configuration for the MCP server.
type Config struct {
	// Name is reported to clients in the initialize response.
	Name string

	// Version is reported to clients in the initialize response.
	Version string

	// Instructions is sent to clients on initialize. Defaults to the
	// concatenated plugin instructions.
	Instructions string

	// EnabledTools optionally restricts which tools are available.
	// If empty, all tools are enabled.
	EnabledTools []string
}

// Server wraps the mcp-go server and routes every tool to the dispatcher.
type Server struct {
	mcpServer  *server.MCPServer
	dispatcher *dispatch.Dispatcher
	config     Config
	logger     zerolog.Logger

	// tools maps MCP tool names to qualified operation names.
	tools map[string]string
}

// ToolName maps a qualified operation name to its MCP tool name. MCP
// clients restrict tool names to [a-zA-Z0-9_-], so the plugin separator
// becomes an underscore.
func ToolName(qualified string) string {
	return strings.ReplaceAll(qualified, ".", "_")
}

// New creates a new MCP server exposing every enabled operation.
func New(dispatcher *dispatch.Dispatcher, config Config, logger zerolog.Logger) (*Server, error) {
	if config.Name == "" {
		config.Name = constants.AppName
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	if config.Instructions == "" {
		config.Instructions = dispatcher.Instructions()
	}

	logger = logging.Component(logger, "mcp")
	logger.Info().
		Str("name", config.Name).
		Msg("Initializing MCP server")

	s := &Server{
		mcpServer: server.NewMCPServer(
			config.Name,
			config.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
			server.WithInstructions(config.Instructions),
		),
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		tools:      make(map[string]string),
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	logger.Info().
		Int("tool_count", len(s.tools)).
		Msg("MCP server initialized successfully")

	return s, nil
}

// registerTools registers one MCP tool per dispatchable operation.
func (s *Server) registerTools() error {
	descriptors, err := s.dispatcher.Describe()
	if err != nil {
		return err
	}

	for _, d := range descriptors {
		name := ToolName(d.Name)
		if prev, dup := s.tools[name]; dup {
			return fmt.Errorf("operations %s and %s both map to tool name %s", prev, d.Name, name)
		}
		if !s.isToolEnabled(name) {
			s.logger.Debug().Str("tool", name).Msg("Tool disabled by configuration")
			continue
		}

		tool := mcp.NewToolWithRawSchema(name, d.Description, d.InputSchema)
		annotate := []mcp.ToolOption{
			mcp.WithTitleAnnotation(d.Name),
			mcp.WithOpenWorldHintAnnotation(false),
		}
		if d.Unsafe {
			annotate = append(annotate,
				mcp.WithReadOnlyHintAnnotation(false),
				mcp.WithDestructiveHintAnnotation(true))
		} else {
			annotate = append(annotate,
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithDestructiveHintAnnotation(false))
		}
		for _, opt := range annotate {
			opt(&tool)
		}

		s.tools[name] = d.Name
		s.mcpServer.AddTool(tool, s.handler(name))
	}

	s.logger.Debug().
		Int("registered_tools", len(s.tools)).
		Msg("Tools registered")

	return nil
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if request.Params.Arguments != nil {
			argBytes, err := json.Marshal(request.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to marshal arguments: %v", err)), nil
			}
			if err := json.Unmarshal(argBytes, &args); err != nil {
				return errorResult(errors.Validation("arguments must be a JSON object: %v", err)), nil
			}
		}

		text, err := s.call(ctx, name, args)
		if err != nil {
			return errorResult(err), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

// call invokes the operation behind a tool and renders its result as JSON.
func (s *Server) call(ctx context.Context, name string, args map[string]any) (string, error) {
	qualified, ok := s.tools[name]
	if !ok {
		return "", errors.NotFound("tool not found or not enabled: %s", name)
	}

	result, err := s.dispatcher.Invoke(ctx, qualified, args)
	if err != nil {
		return "", err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, err, "failed to encode result of "+qualified)
	}
	return string(out), nil
}

func errorResult(err error) *mcp.CallToolResult {
	payload, marshalErr := json.Marshal(dispatch.Payload(err))
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(payload))
}

// ServeStdio serves the MCP protocol over the given streams until ctx is
// cancelled or in reaches EOF.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info().Msg("Starting MCP server on stdio")

	err := server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
	if err == nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ServeSSE serves the MCP protocol over HTTP server-sent events on addr
// until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL("http://"+addr))

	s.logger.Info().Str("addr", addr).Msg("Starting MCP server on SSE")

	errCh := make(chan error, 1)
	go func() {
		errCh <- sse.Start(addr)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("Stopping MCP server")
		return sse.Shutdown(shutdownCtx)
	}
}

// ExecuteTool executes a tool by name with JSON-encoded arguments and
// returns the JSON-encoded result. Errors are *errors.Error.
func (s *Server) ExecuteTool(ctx context.Context, toolName string, argumentsJSON string) (string, error) {
	var args map[string]any
	if strings.TrimSpace(argumentsJSON) != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return "", errors.Validation("arguments must be a JSON object: %v", err)
		}
	}
	return s.call(ctx, toolName, args)
}

// ListToolNames returns the registered tool names in sorted order.
func (s *Server) ListToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsToolEnabled checks if a tool is enabled based on configuration.
func (s *Server) IsToolEnabled(toolName string) bool {
	_, registered := s.tools[toolName]
	return registered && s.isToolEnabled(toolName)
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) isToolEnabled(toolName string) bool {
	if len(s.config.EnabledTools) == 0 {
		// All tools enabled by default.
		return true
	}
	return slices.Contains(s.config.EnabledTools, toolName)
}
