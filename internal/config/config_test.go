package config

import (
	"testing"
	"time"

	"github.com/portal-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"API_BASE_URL", "API_TOKEN", "API_TIMEOUT", "PUSH_TRANSPORT", "WS_URL", "REDIS_ADDR",
		"TOPIC_NOTIFICATIONS", "TOPIC_CHAT_ROOM", "ALLOWED_ORIGINS", "LOCAL_RATE_LIMIT", "TRUST_PROXY",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("API_TOKEN", "token")
	t.Setenv("WS_URL", "wss://ws.example.com/app/key")
}

func TestLoad_Defaults(t *testing.T) {
	baseEnv(t)

	cfg := Load()

	assert.Equal(t, "4100", cfg.AppPort)
	assert.Equal(t, "websocket", cfg.Transport)
	assert.Equal(t, 15*time.Second, cfg.APITimeout)
	assert.Equal(t, "private-notifications.%s", cfg.Topics.Notifications)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.False(t, cfg.TrustProxy)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ParsesOverrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("API_TIMEOUT", "3s")
	t.Setenv("LOCAL_RATE_LIMIT", "2.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.test,https://b.test")
	t.Setenv("TRUST_PROXY", "true")

	cfg := Load()

	assert.Equal(t, 3*time.Second, cfg.APITimeout)
	assert.Equal(t, 2.5, cfg.LocalRateLimit)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowedOrigins)
	assert.True(t, cfg.TrustProxy)
}

func TestLoad_IgnoresMalformedValues(t *testing.T) {
	baseEnv(t)
	t.Setenv("API_TIMEOUT", "soon")

	assert.Equal(t, 15*time.Second, Load().APITimeout)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing token":             func(c *Config) { c.APIToken = "" },
		"bad base url":              func(c *Config) { c.APIBaseURL = "not a url" },
		"unknown transport":         func(c *Config) { c.Transport = "carrier-pigeon" },
		"websocket without url":     func(c *Config) { c.WSURL = "" },
		"redis without address":     func(c *Config) { c.Transport, c.RedisAddr = "redis", "" },
		"topic without placeholder": func(c *Config) { c.Topics.Room = "chat.room" },
		"zero local rate":           func(c *Config) { c.LocalRateLimit = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			baseEnv(t)
			cfg := Load()
			mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrBadRequest)
		})
	}
}

func TestValidate_RedisTransport(t *testing.T) {
	baseEnv(t)
	cfg := Load()
	cfg.Transport, cfg.WSURL, cfg.RedisAddr = "redis", "", "localhost:6379"

	assert.NoError(t, cfg.Validate())
}
