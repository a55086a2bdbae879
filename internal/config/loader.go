package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/binmcp/internal/constants"
)

// Loader locates, loads and saves the configuration file.
type Loader struct {
	baseDir string
}

// NewLoader creates a new config loader.
// The base directory is resolved in this order:
//  1. BINMCP_CONFIG environment variable.
//  2. User home directory (~/).
//  3. The system temp directory, for environments without a home directory.
//
// Config files won't exist in the fallback, so Load returns defaults with
// env var overrides applied.
func NewLoader() *Loader {
	if baseDir := os.Getenv(constants.ConfigDirEnv); baseDir != "" {
		return &Loader{baseDir: baseDir}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return &Loader{baseDir: homeDir}
	}
	return &Loader{baseDir: filepath.Join(os.TempDir(), constants.AppName+"-fallback")}
}

// ConfigPath returns the path to the config file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.baseDir, constants.DefaultDir, constants.ConfigFile)
}

// Load loads the configuration through every layer except flags. An empty
// path uses ConfigPath.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		path = l.ConfigPath()
	}
	return NewLayeredLoader().Load(path)
}

// Save writes cfg to path, creating its directory.
func (l *Loader) Save(path string, cfg *Config) error {
	if path == "" {
		path = l.ConfigPath()
	}

	//nolint:gosec // G301: Directory needs standard permissions for traversal
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
