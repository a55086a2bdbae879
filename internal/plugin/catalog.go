package plugin

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/rs/zerolog"
)

// Factory constructs a plugin instance.
type Factory func() (Plugin, error)

// Catalog lists the plugins a process may load, keyed by plugin name.
type Catalog struct {
	factories map[string]Factory
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Add makes a plugin available under name. Adding a name twice replaces
// the earlier factory.
func (c *Catalog) Add(name string, factory Factory) {
	c.factories[name] = factory
}

// Names returns the available plugin names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Selection picks which catalog entries to load. An empty Enabled list
// means every plugin; Disabled always wins.
type Selection struct {
	Enabled  []string
	Disabled []string
}

func (s Selection) includes(name string) bool {
	if slices.Contains(s.Disabled, name) {
		return false
	}
	return len(s.Enabled) == 0 || slices.Contains(s.Enabled, name)
}

// Load constructs the selected plugins and registers them in reg. A plugin
// that fails to build or register is logged and skipped; the others still
// load. The returned error lists every failure.
func (c *Catalog) Load(reg *Registry, sel Selection, logger zerolog.Logger) error {
	for _, name := range sel.Enabled {
		if _, ok := c.factories[name]; !ok {
			return fmt.Errorf("unknown plugin %q in enabled list", name)
		}
	}

	var failed []error
	for _, name := range c.Names() {
		if !sel.includes(name) {
			logger.Debug().Str("plugin", name).Msg("Plugin disabled")
			continue
		}

		p, err := c.factories[name]()
		if err != nil {
			logger.Error().Err(err).Str("plugin", name).Msg("Failed to build plugin")
			failed = append(failed, fmt.Errorf("plugin %s: %w", name, err))
			continue
		}
		if err := reg.Register(p); err != nil {
			logger.Error().Err(err).Str("plugin", name).Msg("Failed to register plugin")
			failed = append(failed, fmt.Errorf("plugin %s: %w", name, err))
			continue
		}

		logger.Info().
			Str("plugin", p.Name()).
			Str("version", p.Version()).
			Int("operations", len(p.Operations())).
			Msg("Plugin loaded")
	}

	if len(failed) > 0 {
		return errors.Join(failed...)
	}
	return nil
}
