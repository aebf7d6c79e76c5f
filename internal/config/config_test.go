package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 1024, cfg.Session.DefaultWidth)
	assert.Equal(t, 768, cfg.Session.DefaultHeight)
	assert.Equal(t, 3840, cfg.Session.MaxWidth)
	assert.Equal(t, 2160, cfg.Session.MaxHeight)
	assert.Equal(t, 5*time.Second, cfg.Session.NegotiationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Session.ResizeAckTimeout)

	assert.Nil(t, cfg.Security.AllowedOrigins)
	assert.Equal(t, 100, cfg.Security.MaxConnections)
	assert.False(t, cfg.Security.SkipTLSVerify)

	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_HOST", "127.0.0.1")
	t.Setenv("GATEWAY_PORT", "9000")
	t.Setenv("SESSION_DEFAULT_WIDTH", "1920")
	t.Setenv("SESSION_NEGOTIATION_TIMEOUT", "10s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("SKIP_TLS_VERIFY", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 1920, cfg.Session.DefaultWidth)
	assert.Equal(t, 10*time.Second, cfg.Session.NegotiationTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	assert.True(t, cfg.Security.SkipTLSVerify)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("SESSION_DEFAULT_WIDTH", "not-a-number")
	t.Setenv("SESSION_NEGOTIATION_TIMEOUT", "soon")
	t.Setenv("SKIP_TLS_VERIFY", "maybe")

	cfg := Load()

	assert.Equal(t, 1024, cfg.Session.DefaultWidth)
	assert.Equal(t, 5*time.Second, cfg.Session.NegotiationTimeout)
	assert.False(t, cfg.Security.SkipTLSVerify)
}

func TestLoadWithOverrides(t *testing.T) {
	t.Setenv("GATEWAY_HOST", "from-env")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := LoadWithOverrides(LoadOptions{
		Host:          "from-flag",
		LogLevel:      "error",
		SkipTLSVerify: true,
		TLSServerName: "rdp.example",
	})

	assert.Equal(t, "from-flag", cfg.Server.Host)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.True(t, cfg.Security.SkipTLSVerify)
	assert.Equal(t, "rdp.example", cfg.Security.TLSServerName)
}
