// Package config provides configuration loading using koanf.
// Precedence: environment variables over compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/gatherly/chat-delivery/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	Gateway GatewayConfig `koanf:"gateway"`
	Client  ClientConfig  `koanf:"client"`

	// Infrastructure configurations
	Redis RedisConfig `koanf:"redis"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// GatewayConfig holds the websocket gateway configuration.
type GatewayConfig struct {
	HTTPPort int    `koanf:"http_port"`
	WSPath   string `koanf:"ws_path"`

	// Empty disables upgrade-time token verification; identity then rests
	// on the declarative auth envelope alone.
	JWTSecret string `koanf:"jwt_secret"`

	SweepInterval time.Duration `koanf:"sweep_interval"`

	// CipherKey is the fixed at-rest key, hex-encoded, 32 bytes once decoded.
	// Empty stores plaintext (local only).
	CipherKey string `koanf:"cipher_key"`
}

// ClientConfig holds defaults for the client connection manager.
type ClientConfig struct {
	Endpoint  string `koanf:"endpoint"`   // fixed websocket endpoint, e.g. ws://host:port/ws
	QueuePath string `koanf:"queue_path"` // offline queue file

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// RedisConfig holds Redis configuration for the membership cache.
// An empty Addr disables the cache; GroupMembers then always hits the store.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Gateway: GatewayConfig{
			HTTPPort:      8080,
			WSPath:        "/ws",
			SweepInterval: domain.SweepInterval,
		},
		Client: ClientConfig{
			Endpoint:          "ws://localhost:8080/ws",
			QueuePath:         "chat-offline-queue.json",
			HeartbeatInterval: domain.HeartbeatInterval,
		},

		Redis: RedisConfig{
			Addr:    "",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Required keys missing cause startup failure; optional keys fall back to
// defaults.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	// Load environment variables
	// Prefix: none (we use full names like GATEWAY_HTTP_PORT)
	// Delimiter: _ maps to . for nested config
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Validate required fields
	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired checks that required configuration is present.
func validateRequired(cfg *Config) error {
	// In local environment, everything has a sensible default
	if cfg.Environment == "local" {
		return nil
	}

	if cfg.Environment == "prod" {
		if cfg.Gateway.JWTSecret == "" {
			return fmt.Errorf("%w: gateway.jwt_secret", domain.ErrConfigRequired)
		}
		if cfg.Gateway.CipherKey == "" {
			return fmt.Errorf("%w: gateway.cipher_key", domain.ErrConfigRequired)
		}
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
