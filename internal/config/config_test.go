package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.Auth.JWTSecret = "secret"
	return c
}

func TestDefaultConfig_NeedsOnlyASecret(t *testing.T) {
	assert.Error(t, DefaultConfig().Validate())
	assert.NoError(t, validConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *Config){
		"port":           func(c *Config) { c.HTTP.Port = 70000 },
		"ping vs read":   func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval },
		"buffer":         func(c *Config) { c.WebSocket.BufferSize = 0 },
		"driver":         func(c *Config) { c.Database.Driver = "mysql" },
		"sqlite path":    func(c *Config) { c.Database.Path = "" },
		"postgres dsn":   func(c *Config) { c.Database.Driver = DriverPostgres },
		"algorithm":      func(c *Config) { c.Auth.JWTAlgorithm = "RS256" },
		"ttl":            func(c *Config) { c.Auth.TokenTTL = 0 },
		"rate limit":     func(c *Config) { c.Messaging.RateLimitPerMinute = -1 },
		"history":        func(c *Config) { c.Messaging.HistoryLimit = 0 },
		"nats stream":    func(c *Config) { c.Notifications.NATS.Enabled = true; c.Notifications.NATS.Stream = "" },
		"logging level":  func(c *Config) { c.Logging.Level = "chatty" },
		"write timeout":  func(c *Config) { c.WebSocket.WriteTimeout = 0 },
		"db connections": func(c *Config) { c.Database.MaxConnections = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := validConfig()
	c.Database.Driver = DriverPostgres
	c.Database.DSN = "postgres://localhost/rendezvous"
	c.Messaging.RateLimitPerMinute = 0
	assert.NoError(t, c.Validate())
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("RENDEZVOUS_AUTH_JWT_SECRET", "from-env")
	t.Setenv("RENDEZVOUS_HTTP_PORT", "9090")
	t.Setenv("RENDEZVOUS_WEBSOCKET_PING_INTERVAL", "15s")
	t.Setenv("RENDEZVOUS_NOTIFICATIONS_NATS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 15*time.Second, cfg.WebSocket.PingInterval)
	assert.True(t, cfg.Notifications.NATS.Enabled)
	assert.Equal(t, "NOTIFICATIONS", cfg.Notifications.NATS.Stream)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "0.0.0.0:9090", cfg.HTTP.Addr())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rendezvous.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 7000
database:
  driver: postgres
  dsn: postgres://file/db
auth:
  jwt_secret: from-file
  token_ttl: 30m
messaging:
  history_limit: 20
logging:
  level: debug
`), 0o600))

	t.Setenv("RENDEZVOUS_MESSAGING_HISTORY_LIMIT", "25")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://file/db", cfg.Database.DSN)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 30*time.Minute, cfg.Auth.TokenTTL)
	assert.Equal(t, 25, cfg.Messaging.HistoryLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Messaging.RateLimitPerMinute)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("RENDEZVOUS_AUTH_JWT_SECRET", "")
	_, err = Load("")
	assert.Error(t, err)
}
