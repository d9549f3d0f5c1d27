// Package catalog holds the model catalog: which public model names exist,
// which provider serves them, what they cost per token, and what they can
// do. The admission and dispatch paths consume immutable snapshots; reloads
// swap the snapshot atomically and keep the previous one on validation
// failure.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	yaml "gopkg.in/yaml.v2"
)

// ErrNotLoaded is returned when a snapshot is requested before the first
// successful load.
var ErrNotLoaded = errors.New("catalog: not loaded")

// FileName is the catalog document inside the config directory.
const FileName = "models.yaml"

// Pricing is the per-token price of a model in micro-units.
type Pricing struct {
	InputMicro  int64 `yaml:"input_micro"`
	OutputMicro int64 `yaml:"output_micro"`
}

// Cost is the settlement amount for a token pair, in micro-units.
func (p Pricing) Cost(inputTokens, outputTokens int64) int64 {
	return inputTokens*p.InputMicro + outputTokens*p.OutputMicro
}

// Limits bounds a model's output.
type Limits struct {
	MaxTokens int `yaml:"max_tokens"`
}

// Capabilities flags what a model supports.
type Capabilities struct {
	Reasoning bool `yaml:"reasoning"`
	Tools     bool `yaml:"tools"`
	Vision    bool `yaml:"vision"`
}

// Model maps a public model name to a provider-side model with pricing.
type Model struct {
	Provider      string       `yaml:"provider"`
	ProviderModel string       `yaml:"provider_model"`
	Pricing       Pricing      `yaml:"pricing"`
	Limits        Limits       `yaml:"limits"`
	Capabilities  Capabilities `yaml:"capabilities"`
}

// Provider is an upstream endpoint speaking the OpenAI-compatible protocol.
type Provider struct {
	BaseURL string `yaml:"base_url"`
	Type    string `yaml:"type"`
}

// Catalog is one immutable snapshot of models.yaml.
type Catalog struct {
	Version      int                 `yaml:"version"`
	Providers    map[string]Provider `yaml:"providers"`
	Models       map[string]Model    `yaml:"models"`
	DefaultModel string              `yaml:"default_model"`
}

// Model returns the model config for a public name.
func (c *Catalog) Model(name string) (Model, bool) {
	m, ok := c.Models[name]
	return m, ok
}

// ProviderFor returns the provider config for a provider name.
func (c *Catalog) ProviderFor(name string) (Provider, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// Default returns the default model name: the configured one, or the
// lexically first model when none is configured.
func (c *Catalog) Default() string {
	if c.DefaultModel != "" {
		return c.DefaultModel
	}
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// ModelNames returns the sorted public model names.
func (c *Catalog) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) validate() error {
	if c.Version != 1 {
		return fmt.Errorf("catalog: unsupported version %d", c.Version)
	}
	if len(c.Providers) == 0 {
		return errors.New("catalog: no providers configured")
	}
	if len(c.Models) == 0 {
		return errors.New("catalog: no models configured")
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("catalog: provider %q has no base_url", name)
		}
		if p.Type != "openai_compatible" {
			return fmt.Errorf("catalog: provider %q has unsupported type %q", name, p.Type)
		}
	}
	for name, m := range c.Models {
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("catalog: model %q references unknown provider %q", name, m.Provider)
		}
		if m.ProviderModel == "" {
			return fmt.Errorf("catalog: model %q has no provider_model", name)
		}
		if m.Pricing.InputMicro < 0 || m.Pricing.OutputMicro < 0 {
			return fmt.Errorf("catalog: model %q has negative pricing", name)
		}
		if m.Limits.MaxTokens < 1 {
			return fmt.Errorf("catalog: model %q must allow at least 1 output token", name)
		}
	}
	if c.DefaultModel != "" {
		if _, ok := c.Models[c.DefaultModel]; !ok {
			return fmt.Errorf("catalog: default model %q not found", c.DefaultModel)
		}
	}
	return nil
}

// Parse validates a raw models.yaml document into a Catalog.
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Loader loads and atomically swaps catalog snapshots.
type Loader struct {
	path    string
	current atomic.Pointer[Catalog]
}

// NewLoader creates a loader for <configDir>/models.yaml.
func NewLoader(configDir string) *Loader {
	return &Loader{path: filepath.Join(configDir, FileName)}
}

// Load reads, parses and validates the document. On success the snapshot is
// swapped in; on failure the previous snapshot is retained and the error
// returned.
func (l *Loader) Load() (*Catalog, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", l.path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	l.current.Store(c)
	return c, nil
}

// Current returns the active snapshot.
func (l *Loader) Current() (*Catalog, error) {
	if c := l.current.Load(); c != nil {
		return c, nil
	}
	return nil, ErrNotLoaded
}

// Set installs a snapshot directly. Used by tests and the in-memory server.
func (l *Loader) Set(c *Catalog) {
	l.current.Store(c)
}
