// Package config provides layered configuration loading for binmcp.
package config

import (
	"github.com/coral-mesh/binmcp/internal/engine"
)

// Config is the complete binmcp configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Plugins  PluginsConfig  `yaml:"plugins"`
	Engine   engine.Config  `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the MCP transport.
type ServerConfig struct {
	// Name is reported to MCP clients.
	Name string `yaml:"name" env:"BINMCP_SERVER_NAME"`

	// Transport is "stdio" or "sse".
	Transport string `yaml:"transport" env:"BINMCP_TRANSPORT"`

	// Addr is the SSE listen address.
	Addr string `yaml:"addr" env:"BINMCP_ADDR"`

	// EnabledTools optionally restricts which tools are exposed.
	// If empty, all tools are enabled.
	EnabledTools []string `yaml:"enabled_tools,omitempty" env:"BINMCP_ENABLED_TOOLS"`

	// AuditEnabled logs every tool call with its arguments.
	AuditEnabled bool `yaml:"audit_enabled" env:"BINMCP_AUDIT"`
}

// SessionsConfig configures the session registry.
type SessionsConfig struct {
	// MaxSessions caps concurrently registered sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions" env:"BINMCP_MAX_SESSIONS"`
}

// PluginsConfig selects which built-in plugins are loaded.
type PluginsConfig struct {
	// Enabled lists the plugins to load. Empty loads every plugin.
	Enabled []string `yaml:"enabled,omitempty" env:"BINMCP_PLUGINS_ENABLED"`

	// Disabled lists plugins never loaded, even when enabled.
	Disabled []string `yaml:"disabled,omitempty" env:"BINMCP_PLUGINS_DISABLED"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is trace, debug, info, warn, error or disabled.
	Level string `yaml:"level" env:"BINMCP_LOG_LEVEL"`

	// Pretty forces human-readable output. Nil detects a terminal on stderr.
	Pretty *bool `yaml:"pretty,omitempty" env:"BINMCP_LOG_PRETTY"`
}
