package config

import (
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/coral-mesh/binmcp/internal/constants"
	"github.com/coral-mesh/binmcp/internal/plugin"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
}

var logLevels = []string{"trace", "debug", "info", "warn", "error", "disabled"}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Server.Transport {
	case constants.TransportStdio:
	case constants.TransportSSE:
		if err := ValidateAddr(c.Server.Addr); err != nil {
			invalid("server.addr", "%v", err)
		}
	default:
		invalid("server.transport", "must be %q or %q, got %q",
			constants.TransportStdio, constants.TransportSSE, c.Server.Transport)
	}

	if c.Sessions.MaxSessions < 0 {
		invalid("sessions.max_sessions", "must not be negative, got %d", c.Sessions.MaxSessions)
	}

	for _, name := range append(slices.Clone(c.Plugins.Enabled), c.Plugins.Disabled...) {
		if err := plugin.ValidateName("plugins", name); err != nil {
			invalid("plugins", "%v", err)
		}
	}

	if c.Engine.MaxBinarySize < 0 {
		invalid("engine.max_binary_size", "must not be negative, got %d", c.Engine.MaxBinarySize)
	}
	if c.Engine.MinStringLength < 0 {
		invalid("engine.min_string_length", "must not be negative, got %d", c.Engine.MinStringLength)
	}
	if c.Engine.Threads < 0 {
		invalid("engine.threads", "must not be negative, got %d", c.Engine.Threads)
	}

	if c.Logging.Level != "" && !slices.Contains(logLevels, c.Logging.Level) {
		invalid("logging.level", "must be one of %v, got %q", logLevels, c.Logging.Level)
	}

	return errors.Join(errs...)
}

// ValidateAddr validates a host:port listen address.
func ValidateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("address %q has no port", addr)
	}
	return nil
}
