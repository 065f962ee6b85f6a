package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	// Database
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`

	// Redis
	RedisURL string `yaml:"redis_url"`

	// Rate Limiting
	DefaultRateLimit int `yaml:"default_rate_limit"`

	// Caching
	CacheTTLSeconds int  `yaml:"cache_ttl_seconds"`
	CacheEnabled    bool `yaml:"cache_enabled"`

	// Circuit breaker
	BreakerThreshold       int `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`

	// Relay
	UpstreamTimeoutSeconds int `yaml:"upstream_timeout_seconds"`
	MaxFailoverAttempts    int `yaml:"max_failover_attempts"`

	// Billing
	LedgerCurrency         string `yaml:"ledger_currency"`
	ExchangeRefreshSeconds int    `yaml:"exchange_refresh_seconds"`
	PriceSyncURL           string `yaml:"price_sync_url"`
	PriceSyncHours         int    `yaml:"price_sync_hours"` // 0 disables the background sync

	// Vertex
	VertexTokenURL string `yaml:"vertex_token_url"`
}

func defaults() *Config {
	return &Config{
		Port:                   "8080",
		Env:                    "development",
		DatabaseDriver:         "postgres",
		RedisURL:               "redis://localhost:6379",
		DefaultRateLimit:       100,
		CacheTTLSeconds:        3600,
		CacheEnabled:           true,
		BreakerThreshold:       5,
		BreakerCooldownSeconds: 60,
		UpstreamTimeoutSeconds: 120,
		MaxFailoverAttempts:    3,
		LedgerCurrency:         "USD",
		ExchangeRefreshSeconds: 300,
		PriceSyncURL:           "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json",
		VertexTokenURL:         "https://oauth2.googleapis.com/token",
	}
}

// Load loads configuration from an optional YAML file named by GATEWAY_CONFIG
// and then from environment variables, which take precedence.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.DatabaseDriver = getEnv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.DefaultRateLimit = getEnvInt("DEFAULT_RATE_LIMIT", cfg.DefaultRateLimit)
	cfg.CacheTTLSeconds = getEnvInt("CACHE_TTL_SECONDS", cfg.CacheTTLSeconds)
	cfg.CacheEnabled = getEnvBool("CACHE_ENABLED", cfg.CacheEnabled)
	cfg.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", cfg.BreakerThreshold)
	cfg.BreakerCooldownSeconds = getEnvInt("BREAKER_COOLDOWN_SECONDS", cfg.BreakerCooldownSeconds)
	cfg.UpstreamTimeoutSeconds = getEnvInt("UPSTREAM_TIMEOUT_SECONDS", cfg.UpstreamTimeoutSeconds)
	cfg.MaxFailoverAttempts = getEnvInt("MAX_FAILOVER_ATTEMPTS", cfg.MaxFailoverAttempts)
	cfg.LedgerCurrency = getEnv("LEDGER_CURRENCY", cfg.LedgerCurrency)
	cfg.ExchangeRefreshSeconds = getEnvInt("EXCHANGE_REFRESH_SECONDS", cfg.ExchangeRefreshSeconds)
	cfg.PriceSyncURL = getEnv("PRICE_SYNC_URL", cfg.PriceSyncURL)
	cfg.PriceSyncHours = getEnvInt("PRICE_SYNC_HOURS", cfg.PriceSyncHours)
	cfg.VertexTokenURL = getEnv("VERTEX_TOKEN_URL", cfg.VertexTokenURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
	}
	if c.MaxFailoverAttempts < 1 {
		return fmt.Errorf("MAX_FAILOVER_ATTEMPTS must be at least 1")
	}
	return nil
}

// BreakerCooldown returns the circuit breaker cooldown as a duration.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// UpstreamTimeout returns the per-call upstream timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// ExchangeRefresh returns the exchange-rate reload interval.
func (c *Config) ExchangeRefresh() time.Duration {
	return time.Duration(c.ExchangeRefreshSeconds) * time.Second
}

// PriceSyncInterval returns how often list prices are re-imported.
func (c *Config) PriceSyncInterval() time.Duration {
	return time.Duration(c.PriceSyncHours) * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
