package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "AEX_PORT", "")
	setEnv(t, "AEX_ENV", "")
	setEnv(t, "AEX_RESERVE_TTL", "")
	setEnv(t, "AEX_OVERRUN_POLICY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultReserveTTL, cfg.ReserveTTL)
	assert.Equal(t, DefaultProviderTimeout, cfg.ProviderTimeout)
	assert.Equal(t, OverrunClamp, cfg.Overrun)
	assert.Equal(t, DefaultChainScope, cfg.ChainScope)
	assert.Equal(t, DefaultConfigDir+"/policies", cfg.PolicyDir)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "AEX_PORT", "9191")
	setEnv(t, "AEX_RESERVE_TTL", "30s")
	setEnv(t, "AEX_OVERRUN_POLICY", "exceed")
	setEnv(t, "AEX_CONFIG_DIR", "/etc/aex")
	setEnv(t, "AEX_POLICY_DIR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReserveTTL)
	assert.Equal(t, OverrunExceed, cfg.Overrun)
	assert.Equal(t, "/etc/aex/policies", cfg.PolicyDir)
}

func TestLoad_InvalidOverrunPolicy(t *testing.T) {
	setEnv(t, "AEX_OVERRUN_POLICY", "ignore")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "AEX_OVERRUN_POLICY")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:             "development",
		Overrun:         OverrunClamp,
		ReserveTTL:      time.Minute,
		ProviderTimeout: time.Minute,
		AdmissionWait:   5 * time.Second,
		ChainScope:      "global",
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "zero reserve ttl",
			mutate:  func(c *Config) { c.ReserveTTL = 0 },
			wantErr: "AEX_RESERVE_TTL",
		},
		{
			name:    "zero provider timeout",
			mutate:  func(c *Config) { c.ProviderTimeout = 0 },
			wantErr: "AEX_PROVIDER_TIMEOUT",
		},
		{
			name:    "empty chain scope",
			mutate:  func(c *Config) { c.ChainScope = "" },
			wantErr: "AEX_CHAIN_SCOPE",
		},
		{
			name: "production without admin key",
			mutate: func(c *Config) {
				c.Env = "production"
				c.AdminControlKey = ""
			},
			wantErr: "AEX_ADMIN_CONTROL_KEY",
		},
		{
			name: "production with admin key",
			mutate: func(c *Config) {
				c.Env = "production"
				c.AdminControlKey = "s3cret"
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestProviderKey(t *testing.T) {
	setEnv(t, "OPENAI_API_KEY", "sk-test")
	setEnv(t, "LOCAL_LLAMA_API_KEY", "ll-test")

	assert.Equal(t, "sk-test", ProviderKey("openai"))
	assert.Equal(t, "ll-test", ProviderKey("local-llama"))
	assert.Equal(t, "", ProviderKey("nonexistent"))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BARE", "45")
	setEnv(t, "TEST_DUR_INVALID", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR_BARE", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_DUR", time.Minute))
}
