// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// OverrunPolicy controls how a settlement larger than its reservation is recorded.
type OverrunPolicy string

const (
	// OverrunClamp caps the committed amount at the reserved amount.
	OverrunClamp OverrunPolicy = "clamp"
	// OverrunExceed commits the true actual when the budget still covers it.
	OverrunExceed OverrunPolicy = "exceed"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	PostgresDSN    string // PostgreSQL connection string (optional, uses in-memory if not set)
	MigrateOnStart bool   // run pending goose migrations before serving

	// Catalog and policy
	ConfigDir string // directory holding models.yaml and tools.yaml
	PolicyDir string // directory holding policy plugin documents

	// Admission and settlement
	ReserveTTL        time.Duration // reservation lifetime before the sweep releases it
	ProviderTimeout   time.Duration // unary upstream call timeout
	StreamIdleTimeout time.Duration // max silence between SSE frames
	AdmissionWait     time.Duration // bounded wait for the per-execution lock
	Overrun           OverrunPolicy
	ChainScope        string // event log scope for a single-tenant deployment

	// Rate limiting
	RedisURL string // optional fast path; SQL windows remain the source of truth

	// Security
	AdminControlKey string // x-aex-admin-key for /admin routes
	AttestSecret    string // optional HMAC secret for chain-head attestations

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8090"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultConfigDir         = "./config"
	DefaultChainScope        = "global"
	DefaultReserveTTL        = 60 * time.Second
	DefaultProviderTimeout   = 120 * time.Second
	DefaultStreamIdleTimeout = 60 * time.Second
	DefaultAdmissionWait     = 5 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	configDir := getEnv("AEX_CONFIG_DIR", DefaultConfigDir)

	cfg := &Config{
		Port:              getEnv("AEX_PORT", DefaultPort),
		Env:               getEnv("AEX_ENV", DefaultEnv),
		LogLevel:          getEnv("AEX_LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("AEX_LOG_FORMAT", DefaultLogFormat),
		PostgresDSN:       os.Getenv("AEX_PG_DSN"),
		MigrateOnStart:    getEnvBool("AEX_MIGRATE_ON_START", false),
		ConfigDir:         configDir,
		PolicyDir:         getEnv("AEX_POLICY_DIR", configDir+"/policies"),
		ReserveTTL:        getEnvDuration("AEX_RESERVE_TTL", DefaultReserveTTL),
		ProviderTimeout:   getEnvDuration("AEX_PROVIDER_TIMEOUT", DefaultProviderTimeout),
		StreamIdleTimeout: getEnvDuration("AEX_STREAM_IDLE_TIMEOUT", DefaultStreamIdleTimeout),
		AdmissionWait:     getEnvDuration("AEX_ADMISSION_WAIT", DefaultAdmissionWait),
		Overrun:           OverrunPolicy(getEnv("AEX_OVERRUN_POLICY", string(OverrunClamp))),
		ChainScope:        getEnv("AEX_CHAIN_SCOPE", DefaultChainScope),
		RedisURL:          os.Getenv("AEX_REDIS_URL"),
		AdminControlKey:   os.Getenv("AEX_ADMIN_CONTROL_KEY"),
		AttestSecret:      os.Getenv("AEX_ATTEST_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.Overrun != OverrunClamp && c.Overrun != OverrunExceed {
		return fmt.Errorf("AEX_OVERRUN_POLICY must be %q or %q, got %q", OverrunClamp, OverrunExceed, c.Overrun)
	}
	if c.ReserveTTL <= 0 {
		return fmt.Errorf("AEX_RESERVE_TTL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("AEX_PROVIDER_TIMEOUT must be positive")
	}
	if c.AdmissionWait <= 0 {
		return fmt.Errorf("AEX_ADMISSION_WAIT must be positive")
	}
	if c.ChainScope == "" {
		return fmt.Errorf("AEX_CHAIN_SCOPE must not be empty")
	}
	if c.IsProduction() && c.AdminControlKey == "" {
		return fmt.Errorf("AEX_ADMIN_CONTROL_KEY is required in production")
	}
	return nil
}

// ProviderKey returns the upstream API key for a provider, read from
// <PROVIDER>_API_KEY (provider name upper-cased, dashes to underscores).
func ProviderKey(provider string) string {
	name := make([]byte, 0, len(provider))
	for i := 0; i < len(provider); i++ {
		ch := provider[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			ch -= 'a' - 'A'
		case ch == '-':
			ch = '_'
		}
		name = append(name, ch)
	}
	return os.Getenv(string(name) + "_API_KEY")
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare integers are treated as seconds.
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
