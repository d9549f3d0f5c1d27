package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
version: 1
providers:
  groq:
    base_url: https://api.groq.com/openai
    type: openai_compatible
  openai:
    base_url: https://api.openai.com
    type: openai_compatible
models:
  fast-chat:
    provider: groq
    provider_model: llama-3.1-8b-instant
    pricing:
      input_micro: 5
      output_micro: 8
    limits:
      max_tokens: 8192
    capabilities:
      tools: true
  deep-chat:
    provider: openai
    provider_model: gpt-4o
    pricing:
      input_micro: 2500
      output_micro: 10000
    limits:
      max_tokens: 16384
    capabilities:
      tools: true
      vision: true
default_model: fast-chat
`

func TestParse_Valid(t *testing.T) {
	c, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	assert.Equal(t, 1, c.Version)
	assert.Equal(t, "fast-chat", c.Default())
	assert.Equal(t, []string{"deep-chat", "fast-chat"}, c.ModelNames())

	m, ok := c.Model("fast-chat")
	require.True(t, ok)
	assert.Equal(t, "groq", m.Provider)
	assert.Equal(t, int64(5), m.Pricing.InputMicro)
	assert.Equal(t, 8192, m.Limits.MaxTokens)
	assert.True(t, m.Capabilities.Tools)
	assert.False(t, m.Capabilities.Vision)

	p, ok := c.ProviderFor("groq")
	require.True(t, ok)
	assert.Equal(t, "https://api.groq.com/openai", p.BaseURL)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad version", "version: 2\nproviders: {p: {base_url: x, type: openai_compatible}}\nmodels: {m: {provider: p, provider_model: pm, limits: {max_tokens: 1}}}", "unsupported version"},
		{"no providers", "version: 1\nproviders: {}\nmodels: {m: {provider: p, provider_model: pm}}", "no providers"},
		{"unknown provider", "version: 1\nproviders: {p: {base_url: x, type: openai_compatible}}\nmodels: {m: {provider: nope, provider_model: pm, limits: {max_tokens: 1}}}", "unknown provider"},
		{"missing provider_model", "version: 1\nproviders: {p: {base_url: x, type: openai_compatible}}\nmodels: {m: {provider: p, limits: {max_tokens: 1}}}", "provider_model"},
		{"zero max tokens", "version: 1\nproviders: {p: {base_url: x, type: openai_compatible}}\nmodels: {m: {provider: p, provider_model: pm}}", "at least 1 output token"},
		{"bad default", validDoc + "\ndefault_model: ghost", "not found"},
		{"bad provider type", "version: 1\nproviders: {p: {base_url: x, type: grpc}}\nmodels: {m: {provider: p, provider_model: pm, limits: {max_tokens: 1}}}", "unsupported type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefault_FallsBackToFirstModel(t *testing.T) {
	c, err := Parse([]byte(`
version: 1
providers:
  p:
    base_url: http://localhost
    type: openai_compatible
models:
  zeta:
    provider: p
    provider_model: z
    limits: {max_tokens: 10}
  alpha:
    provider: p
    provider_model: a
    limits: {max_tokens: 10}
`))
	require.NoError(t, err)
	assert.Equal(t, "alpha", c.Default())
}

func TestLoader_AtomicReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(validDoc), 0o600))

	loader := NewLoader(dir)

	_, err := loader.Current()
	assert.ErrorIs(t, err, ErrNotLoaded)

	first, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "fast-chat", first.Default())

	// A broken document must not displace the good snapshot.
	require.NoError(t, os.WriteFile(path, []byte("version: 9\n"), 0o600))
	_, err = loader.Load()
	require.Error(t, err)

	current, err := loader.Current()
	require.NoError(t, err)
	assert.Equal(t, first, current)
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(t.TempDir())
	_, err := loader.Load()
	assert.Error(t, err)
}
