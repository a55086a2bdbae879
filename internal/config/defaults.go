package config

import (
	"github.com/coral-mesh/binmcp/internal/constants"
	"github.com/coral-mesh/binmcp/internal/engine"
)

// DefaultMaxSessions is the default cap on registered sessions.
const DefaultMaxSessions = 16

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:      constants.AppName,
			Transport: constants.TransportStdio,
			Addr:      constants.DefaultSSEAddr,
		},
		Sessions: SessionsConfig{
			MaxSessions: DefaultMaxSessions,
		},
		Engine: engine.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
