// Package config loads gateway configuration from environment variables with
// command-line overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the gateway configuration
type Config struct {
	Server   ServerConfig
	Session  SessionConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// LoadOptions holds command-line override options
type LoadOptions struct {
	Host          string
	Port          string
	LogLevel      string
	SkipTLSVerify bool
	TLSServerName string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SessionConfig holds per-session defaults
type SessionConfig struct {
	DefaultWidth       int
	DefaultHeight      int
	MaxWidth           int
	MaxHeight          int
	NegotiationTimeout time.Duration
	ResizeAckTimeout   time.Duration
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string
	MaxConnections int
	SkipTLSVerify  bool
	TLSServerName  string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides
func LoadWithOverrides(opts LoadOptions) *Config {
	cfg := &Config{}

	cfg.Server.Host = overrideOrEnv(opts.Host, "GATEWAY_HOST", "0.0.0.0")
	cfg.Server.Port = overrideOrEnv(opts.Port, "GATEWAY_PORT", "8080")
	cfg.Server.ReadTimeout = durationEnv("GATEWAY_READ_TIMEOUT", 30*time.Second)
	cfg.Server.WriteTimeout = durationEnv("GATEWAY_WRITE_TIMEOUT", 30*time.Second)
	cfg.Server.IdleTimeout = durationEnv("GATEWAY_IDLE_TIMEOUT", 120*time.Second)

	cfg.Session.DefaultWidth = intEnv("SESSION_DEFAULT_WIDTH", 1024)
	cfg.Session.DefaultHeight = intEnv("SESSION_DEFAULT_HEIGHT", 768)
	cfg.Session.MaxWidth = intEnv("SESSION_MAX_WIDTH", 3840)
	cfg.Session.MaxHeight = intEnv("SESSION_MAX_HEIGHT", 2160)
	cfg.Session.NegotiationTimeout = durationEnv("SESSION_NEGOTIATION_TIMEOUT", 5*time.Second)
	cfg.Session.ResizeAckTimeout = durationEnv("SESSION_RESIZE_ACK_TIMEOUT", 5*time.Second)

	cfg.Security.AllowedOrigins = sliceEnv("ALLOWED_ORIGINS")
	cfg.Security.MaxConnections = intEnv("MAX_CONNECTIONS", 100)
	cfg.Security.SkipTLSVerify = boolEnv("SKIP_TLS_VERIFY", false) || opts.SkipTLSVerify
	cfg.Security.TLSServerName = overrideOrEnv(opts.TLSServerName, "TLS_SERVER_NAME", "")

	cfg.Logging.Level = overrideOrEnv(opts.LogLevel, "LOG_LEVEL", "info")

	return cfg
}

func overrideOrEnv(override, key, fallback string) string {
	if override != "" {
		return override
	}
	return env(key, fallback)
}

func env(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func sliceEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
