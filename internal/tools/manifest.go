// Package tools runs operator-declared tool plugins under a reserve.
// The manifest is the only source of executable entrypoints: a tool
// that is not declared in tools.yaml does not exist, whatever the
// caller sends.
package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

var (
	ErrUnknownTool  = errors.New("tools: unknown tool")
	ErrToolDisabled = errors.New("tools: tool is disabled")
)

// FileName is the manifest document inside the config directory.
const FileName = "tools.yaml"

// Manifest bounds per the declared ranges.
const (
	MinTTLMillis = 100
	MaxTTLMillis = 60_000
	DefTTLMillis = 3_000

	MinOutputBytes = 1 << 10
	MaxOutputBytes = 1 << 20
	DefOutputBytes = 64 << 10

	MaxCostMicro = 10_000_000
	DefCostMicro = 500
)

// Tool is one validated manifest entry with defaults resolved.
type Tool struct {
	Name           string
	Version        string
	Entrypoint     []string // argv; [0] is the executable
	SHA256         string   // optional integrity pin of the executable
	TTL            time.Duration
	MaxOutputBytes int
	CostMicro      int64
	Enabled        bool
}

// Manifest is one immutable snapshot of tools.yaml.
type Manifest struct {
	Version int
	tools   map[string]Tool
}

// Get returns the named tool when it exists and is enabled.
func (m *Manifest) Get(name string) (Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return Tool{}, ErrUnknownTool
	}
	if !t.Enabled {
		return Tool{}, ErrToolDisabled
	}
	return t, nil
}

// Names returns the sorted names of the enabled tools.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.tools))
	for name, t := range m.tools {
		if t.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type manifestDoc struct {
	Version int       `yaml:"version"`
	Tools   []toolDoc `yaml:"tools"`
}

type toolDoc struct {
	Name           string   `yaml:"name"`
	Version        string   `yaml:"version"`
	Entrypoint     []string `yaml:"entrypoint"`
	SHA256         string   `yaml:"sha256"`
	TTLMillis      int      `yaml:"ttl_ms"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
	CostMicro      *int64   `yaml:"cost_micro"` // pointer: an explicit 0 is a free tool
	Enabled        *bool    `yaml:"enabled"`
}

// Parse validates a raw tools.yaml document into a Manifest.
func Parse(raw []byte) (*Manifest, error) {
	var doc manifestDoc
	if err := yaml.UnmarshalStrict(raw, &doc); err != nil {
		return nil, fmt.Errorf("tools: parse: %w", err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("tools: unsupported version %d", doc.Version)
	}

	m := &Manifest{Version: doc.Version, tools: make(map[string]Tool, len(doc.Tools))}
	for _, td := range doc.Tools {
		t, err := td.normalize()
		if err != nil {
			return nil, err
		}
		if _, dup := m.tools[t.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", t.Name)
		}
		m.tools[t.Name] = t
	}
	return m, nil
}

func (td toolDoc) normalize() (Tool, error) {
	if td.Name == "" {
		return Tool{}, errors.New("tools: tool missing name")
	}
	if strings.ContainsAny(td.Name, " \t\n") {
		return Tool{}, fmt.Errorf("tools: tool name %q contains whitespace", td.Name)
	}
	if len(td.Entrypoint) == 0 || td.Entrypoint[0] == "" {
		return Tool{}, fmt.Errorf("tools: tool %q has no entrypoint", td.Name)
	}

	ttl := td.TTLMillis
	if ttl == 0 {
		ttl = DefTTLMillis
	}
	if ttl < MinTTLMillis || ttl > MaxTTLMillis {
		return Tool{}, fmt.Errorf("tools: tool %q ttl_ms %d out of range [%d, %d]",
			td.Name, td.TTLMillis, MinTTLMillis, MaxTTLMillis)
	}

	outBytes := td.MaxOutputBytes
	if outBytes == 0 {
		outBytes = DefOutputBytes
	}
	if outBytes < MinOutputBytes || outBytes > MaxOutputBytes {
		return Tool{}, fmt.Errorf("tools: tool %q max_output_bytes %d out of range [%d, %d]",
			td.Name, td.MaxOutputBytes, MinOutputBytes, MaxOutputBytes)
	}

	cost := int64(DefCostMicro)
	if td.CostMicro != nil {
		cost = *td.CostMicro
	}
	if cost < 0 || cost > MaxCostMicro {
		return Tool{}, fmt.Errorf("tools: tool %q cost_micro %d out of range [0, %d]",
			td.Name, cost, MaxCostMicro)
	}

	enabled := true
	if td.Enabled != nil {
		enabled = *td.Enabled
	}

	return Tool{
		Name:           td.Name,
		Version:        td.Version,
		Entrypoint:     append([]string(nil), td.Entrypoint...),
		SHA256:         strings.ToLower(td.SHA256),
		TTL:            time.Duration(ttl) * time.Millisecond,
		MaxOutputBytes: outBytes,
		CostMicro:      cost,
		Enabled:        enabled,
	}, nil
}

// Loader loads and atomically swaps manifest snapshots.
type Loader struct {
	path    string
	current atomic.Pointer[Manifest]
}

// NewLoader creates a loader for <configDir>/tools.yaml.
func NewLoader(configDir string) *Loader {
	return &Loader{path: filepath.Join(configDir, FileName)}
}

// Load reads, parses and validates the document. A missing file is an
// empty manifest, not an error; a deployment without tools is normal.
// On failure the previous snapshot is retained.
func (l *Loader) Load() (*Manifest, error) {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		m := &Manifest{Version: 1, tools: map[string]Tool{}}
		l.current.Store(m)
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tools: read %s: %w", l.path, err)
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	l.current.Store(m)
	return m, nil
}

// Current returns the active snapshot, loading on first use.
func (l *Loader) Current() (*Manifest, error) {
	if m := l.current.Load(); m != nil {
		return m, nil
	}
	return l.Load()
}

// Set installs a snapshot directly. Used by tests and the in-memory server.
func (l *Loader) Set(m *Manifest) {
	l.current.Store(m)
}

// NewManifest builds a snapshot from already-validated tools. Used by
// tests and the in-memory server.
func NewManifest(ts ...Tool) *Manifest {
	m := &Manifest{Version: 1, tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		m.tools[t.Name] = t
	}
	return m
}
