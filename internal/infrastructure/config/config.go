// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Viewer    ViewerConfig
	Logging   LogConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// ViewerConfig holds artifact viewer configuration.
type ViewerConfig struct {
	// HandshakeTimeoutMs is the watchdog deadline for a load attempt.
	HandshakeTimeoutMs int `envconfig:"HANDSHAKE_TIMEOUT_MS" default:"4000"`
	// ScriptTimeoutMs bounds total script execution inside the sandbox.
	ScriptTimeoutMs int `envconfig:"SCRIPT_TIMEOUT_MS" default:"5000"`
	// MessageRatePerSecond caps accepted handshake messages per attempt.
	MessageRatePerSecond int `envconfig:"MESSAGE_RATE_PER_SECOND" default:"20"`
	// RetryDebounceMs coalesces rapid retry requests into one attempt.
	RetryDebounceMs int `envconfig:"RETRY_DEBOUNCE_MS" default:"250"`
	// HistorySize bounds the per-viewer record of superseded attempts.
	HistorySize int `envconfig:"HISTORY_SIZE" default:"32"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// CORSConfig holds CORS configuration for the shell-facing API.
type CORSConfig struct {
	AllowOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// RateLimitConfig holds per-client API rate limiting. This is separate from
// the per-attempt handshake message limit, which is not configurable here.
type RateLimitConfig struct {
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
}

// HandshakeTimeout returns the watchdog deadline as a duration.
func (c ViewerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// ScriptTimeout returns the sandbox execution bound as a duration.
func (c ViewerConfig) ScriptTimeout() time.Duration {
	return time.Duration(c.ScriptTimeoutMs) * time.Millisecond
}

// RetryDebounce returns the retry coalescing window as a duration.
func (c ViewerConfig) RetryDebounce() time.Duration {
	return time.Duration(c.RetryDebounceMs) * time.Millisecond
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
		Server: ServerConfig{
			Port: "8090",
			Host: "0.0.0.0",
		},
		Viewer: ViewerConfig{
			HandshakeTimeoutMs:   4000,
			ScriptTimeoutMs:      5000,
			MessageRatePerSecond: 20,
			RetryDebounceMs:      250,
			HistorySize:          32,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}
}
