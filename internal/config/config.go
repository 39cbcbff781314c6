// Package config loads tendril settings from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	DataDir      string
	StoreBackend string // "sqlite" or "redis"
	StorePath    string // sqlite database file; may be shared by several peers
	RedisURL     string
	RedisPrefix  string
	LogLevel     string
	MetricsAddr  string // empty disables the metrics listener
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := os.Getenv("TENDRIL_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".tendril")
	}

	cfg := &Config{
		DataDir:      dataDir,
		StoreBackend: strings.ToLower(getEnv("TENDRIL_STORE", "sqlite")),
		StorePath:    getEnv("TENDRIL_STORE_PATH", filepath.Join(dataDir, "tendril.db")),
		RedisURL:     os.Getenv("TENDRIL_REDIS_URL"),
		RedisPrefix:  getEnv("TENDRIL_REDIS_PREFIX", "tendril:"),
		LogLevel:     getEnv("TENDRIL_LOG_LEVEL", "info"),
		MetricsAddr:  os.Getenv("TENDRIL_METRICS_ADDR"),
	}

	if cfg.StoreBackend == "redis" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("TENDRIL_REDIS_URL is required when TENDRIL_STORE=redis")
	}
	return cfg, nil
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	return nil
}

// SearchPath is the per-peer search index database.
func (c *Config) SearchPath() string {
	return filepath.Join(c.DataDir, "search.db")
}

// IdentityPath is the peer's private key file.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.key")
}

type contextKey struct{}

// WithContext returns a new context carrying cfg.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
// Returns nil if none was set.
func FromContext(ctx context.Context) *Config {
	c, _ := ctx.Value(contextKey{}).(*Config)
	return c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
