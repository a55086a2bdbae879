// Package constants defines shared configuration constants.
package constants

import "time"

var (
	// AppName is the binary and MCP server name.
	AppName = "binmcp"

	ConfigFile = "config.yaml"

	DefaultDir = ".binmcp"

	// ConfigDirEnv overrides the base directory holding DefaultDir.
	ConfigDirEnv = "BINMCP_CONFIG"

	// AnalysisDBSuffix is appended to a binary's path to name its analysis database.
	AnalysisDBSuffix = ".binmcp.duckdb"
)

// Limits - Resource and request limits.
const (
	// DefaultMaxBinarySize caps the size of binaries the engine will load (512MB).
	DefaultMaxBinarySize = 512 << 20

	// DefaultPageLimit is the page size used by the pagination hook when the
	// caller omits limit.
	DefaultPageLimit = 100

	// DefaultMinStringLength is the shortest printable run reported as a string.
	DefaultMinStringLength = 4

	// MaxDisassemblyCount caps instructions decoded per disassemble call.
	MaxDisassemblyCount = 2000
)

// Transports - MCP transport defaults.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"

	// DefaultSSEAddr is the default listen address for the SSE transport.
	DefaultSSEAddr = "127.0.0.1:8765"
)

// Timeouts - Default timeout values.
const (
	// DefaultShutdownTimeout bounds graceful shutdown of the SSE transport
	// and the final session sweep.
	DefaultShutdownTimeout = 10 * time.Second
)
