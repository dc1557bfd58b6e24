// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Service   ServiceConfig
	Gateway   GatewayConfig
	History   HistoryConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServiceConfig holds shell service configuration.
type ServiceConfig struct {
	Host         string        `envconfig:"SHELL_HOST" default:"127.0.0.1"`
	Port         string        `envconfig:"SHELL_PORT" default:"8765"`
	Shell        string        `envconfig:"SHELL_PATH" default:""`
	PollInterval time.Duration `envconfig:"SHELL_POLL_INTERVAL" default:"500ms"`
}

// GatewayConfig holds gateway configuration.
type GatewayConfig struct {
	Host       string `envconfig:"GATEWAY_HOST" default:"0.0.0.0"`
	Port       string `envconfig:"GATEWAY_PORT" default:"8000"`
	ServiceURL string `envconfig:"SHELL_SERVICE_URL" default:"ws://127.0.0.1:8765/shell"`
}

// HistoryConfig holds session history persistence configuration.
type HistoryConfig struct {
	Enabled bool   `envconfig:"HISTORY_ENABLED" default:"true"`
	Path    string `envconfig:"HISTORY_PATH" default:"/tmp/shellmux/history.db"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds gateway rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Host:         "127.0.0.1",
			Port:         "8765",
			PollInterval: 500 * time.Millisecond,
		},
		Gateway: GatewayConfig{
			Host:       "0.0.0.0",
			Port:       "8000",
			ServiceURL: "ws://127.0.0.1:8765/shell",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "/tmp/shellmux/history.db",
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
