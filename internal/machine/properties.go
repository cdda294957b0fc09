package machine

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// PropertyDefaults is the compiled-in default property set a concrete
// machine factory declares; Properties.LoadOverrides merges a user override file
// over these defaults.
type PropertyDefaults map[string]string

// Properties is an open, allow-listed configuration set: every key a
// machine model accepts must appear in its PropertyDefaults, mirroring the
// site-config pattern of shipping known-safe defaults and letting an
// external file override only what it names.
type Properties struct {
	allowed map[string]string
}

// ErrUnknownProperty is returned when an override file names a key the
// machine model doesn't declare.
var ErrUnknownProperty = fmt.Errorf("machine: unknown property")

// NewProperties seeds a Properties set from a model's compiled-in defaults.
func NewProperties(defaults PropertyDefaults) *Properties {
	p := &Properties{allowed: make(map[string]string, len(defaults))}
	for k, v := range defaults {
		p.allowed[k] = v
	}
	return p
}

// LoadOverrides reads a YAML file of key/value overrides and merges it over
// the existing defaults, rejecting any key not already present.
func (p *Properties) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("machine: reading property overrides: %w", err)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("machine: parsing property overrides: %w", err)
	}

	for k, v := range overrides {
		if _, ok := p.allowed[k]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProperty, k)
		}
		p.allowed[k] = v
	}
	slog.Info("loaded machine property overrides", "path", path, "count", len(overrides))
	return nil
}

// Get returns a property's value and whether it was set.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.allowed[key]
	return v, ok
}

// GetString returns a property's value, or def if unset.
func (p *Properties) GetString(key, def string) string {
	if v, ok := p.allowed[key]; ok && v != "" {
		return v
	}
	return def
}
