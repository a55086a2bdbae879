package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/binmcp/internal/config"
	"github.com/coral-mesh/binmcp/internal/dispatch"
	"github.com/coral-mesh/binmcp/internal/engine"
	"github.com/coral-mesh/binmcp/internal/logging"
	"github.com/coral-mesh/binmcp/internal/mcp"
	"github.com/coral-mesh/binmcp/internal/plugin"
	"github.com/coral-mesh/binmcp/internal/plugins/program"
	"github.com/coral-mesh/binmcp/internal/plugins/sessions"
	"github.com/coral-mesh/binmcp/internal/session"
	"github.com/coral-mesh/binmcp/pkg/version"
)

// app is a fully wired server: plugins, sessions, dispatcher and MCP
// transport.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	sessions   *session.Registry
	plugins    *plugin.Registry
	dispatcher *dispatch.Dispatcher
	server     *mcp.Server
}

// catalog lists the built-in plugins. The sessions plugin manages reg.
func catalog(reg *session.Registry) *plugin.Catalog {
	c := plugin.NewCatalog()
	c.Add(sessions.Name, func() (plugin.Plugin, error) { return sessions.New(reg), nil })
	c.Add(program.Name, func() (plugin.Plugin, error) { return program.New(), nil })
	return c
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	eng := engine.New(cfg.Engine, logger)
	reg := session.NewRegistry(eng, logger, session.WithMaxSessions(cfg.Sessions.MaxSessions))

	plugins := plugin.NewRegistry()
	sel := plugin.Selection{Enabled: cfg.Plugins.Enabled, Disabled: cfg.Plugins.Disabled}
	if err := catalog(reg).Load(plugins, sel, logger); err != nil {
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}

	d := dispatch.New(plugins, reg, logging.Component(logger, "dispatch"),
		dispatch.WithAudit(cfg.Server.AuditEnabled))

	server, err := mcp.New(d, mcp.Config{
		Name:         cfg.Server.Name,
		Version:      version.Version,
		EnabledTools: cfg.Server.EnabledTools,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		sessions:   reg,
		plugins:    plugins,
		dispatcher: d,
		server:     server,
	}, nil
}

// shutdown removes every session. Pending annotations are discarded.
func (a *app) shutdown(ctx context.Context) {
	if err := a.sessions.RemoveAll(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close sessions on shutdown")
	}
}

// loadConfig runs the layered loader with flag overrides registered by the
// command.
func loadConfig(cmd *cobra.Command, overrides ...func(*config.Config)) (*config.Config, error) {
	fs := cmd.Flags()
	path, _ := fs.GetString("config")

	l := config.NewLayeredLoader().WithFlags(func(cfg *config.Config) {
		override(fs, "log-level", fs.GetString, &cfg.Logging.Level)
	})
	for _, o := range overrides {
		l.WithFlags(o)
	}
	if path == "" {
		path = config.NewLoader().ConfigPath()
	}

	return l.Load(path)
}

// override copies a flag's value into dst when the flag was set on the
// command line.
func override[T any](fs *pflag.FlagSet, name string, get func(string) (T, error), dst *T) {
	if !fs.Changed(name) {
		return
	}
	if v, err := get(name); err == nil {
		*dst = v
	}
}

// newLogger builds the process logger. Logs always go to w, which is
// stderr outside tests.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Output = w
	if cfg.Logging.Pretty != nil {
		lc.Pretty = *cfg.Logging.Pretty
	}
	return logging.New(lc)
}

// setup loads configuration and wires the application for a command.
func setup(cmd *cobra.Command, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := loadConfig(cmd, overrides...)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, newLogger(cfg, cmd.ErrOrStderr()))
}
