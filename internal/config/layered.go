package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Layer names one source of configuration.
type Layer string

// Layers in the order they are applied. Later layers win.
const (
	LayerDefaults Layer = "defaults"
	LayerFile     Layer = "file"
	LayerEnv      Layer = "env"
	LayerFlags    Layer = "flags"
)

// LayeredLoader resolves a Config from defaults, the YAML file, BINMCP_*
// environment variables and command-line overrides, in that order.
type LayeredLoader struct {
	disabled  map[Layer]bool
	overrides []func(*Config)
}

// NewLayeredLoader returns a loader with every layer switched on. The flags
// layer does nothing until WithFlags registers an override.
func NewLayeredLoader() *LayeredLoader {
	return &LayeredLoader{disabled: make(map[Layer]bool)}
}

// EnableLayer switches a layer back on.
func (l *LayeredLoader) EnableLayer(layer Layer) {
	delete(l.disabled, layer)
}

// DisableLayer skips a layer during Load.
func (l *LayeredLoader) DisableLayer(layer Layer) {
	l.disabled[layer] = true
}

// WithFlags adds an override for the flags layer. Overrides run in the
// order they were added.
func (l *LayeredLoader) WithFlags(apply func(*Config)) *LayeredLoader {
	l.overrides = append(l.overrides, apply)
	return l
}

func (l *LayeredLoader) enabled(layer Layer) bool {
	return !l.disabled[layer]
}

// Load resolves and validates the configuration. An absent file at path
// is not an error; an empty path skips the file layer.
func (l *LayeredLoader) Load(path string) (*Config, error) {
	cfg := &Config{}
	if l.enabled(LayerDefaults) {
		cfg = Default()
	}

	if l.enabled(LayerFile) && path != "" {
		err := readYAML(path, cfg)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if l.enabled(LayerEnv) {
		if err := LoadFromEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from environment: %w", err)
		}
	}

	if l.enabled(LayerFlags) {
		for _, apply := range l.overrides {
			apply(cfg)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readYAML decodes the file at path over the values already in cfg.
func readYAML(path string, cfg *Config) error {
	// #nosec G304 -- path is the operator's config file.
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	return nil
}
