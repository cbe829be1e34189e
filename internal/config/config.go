// Package config loads coordinator settings from defaults, an optional
// config file and RENDEZVOUS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"rendezvous/internal/logging"
)

// EnvPrefix namespaces environment overrides, e.g. RENDEZVOUS_HTTP_PORT.
const EnvPrefix = "RENDEZVOUS"

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTP          HTTPConfig          `mapstructure:"http"`
	WebSocket     WebSocketConfig     `mapstructure:"websocket"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Messaging     MessagingConfig     `mapstructure:"messaging"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       logging.Config      `mapstructure:"logging"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	Path           string        `mapstructure:"path"`
	DSN            string        `mapstructure:"dsn"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
}

type AuthConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	JWTAlgorithm string        `mapstructure:"jwt_algorithm"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

type MessagingConfig struct {
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	HistoryLimit       int `mapstructure:"history_limit"`
}

type NotificationsConfig struct {
	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig controls the optional JetStream push gateway.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns settings for a single local coordinator.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    5 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 16 * 1024,
		},
		Database: DatabaseConfig{
			Driver:         DriverSQLite,
			Path:           "./data/rendezvous.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		Auth: AuthConfig{
			JWTAlgorithm: "HS256",
			TokenTTL:     2 * time.Hour,
		},
		Messaging: MessagingConfig{
			RateLimitPerMinute: 100,
			HistoryLimit:       50,
		},
		Notifications: NotificationsConfig{
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				Stream:        "NOTIFICATIONS",
				SubjectPrefix: "rendezvous.notifications",
				Timeout:       3 * time.Second,
			},
		},
		Logging: logging.Config{Level: "info"},
	}
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("http timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("websocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("websocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("websocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("websocket buffer size must be positive")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database path cannot be empty for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database dsn cannot be empty for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth jwt secret is required")
	}
	switch strings.ToUpper(c.Auth.JWTAlgorithm) {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported jwt algorithm %q", c.Auth.JWTAlgorithm)
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth token ttl must be positive")
	}

	if c.Messaging.RateLimitPerMinute < 0 {
		return errors.New("messaging rate limit cannot be negative")
	}
	if c.Messaging.HistoryLimit <= 0 {
		return errors.New("messaging history limit must be positive")
	}

	if n := c.Notifications.NATS; n.Enabled {
		if n.URL == "" || n.Stream == "" || n.SubjectPrefix == "" {
			return errors.New("nats url, stream and subject prefix are required when enabled")
		}
		if n.Timeout <= 0 {
			return errors.New("nats timeout must be positive")
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Every key needs a default so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_bytes", d.WebSocket.MaxMessageBytes)
	v.SetDefault("websocket.allowed_origins", []string{})

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.jwt_algorithm", d.Auth.JWTAlgorithm)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("messaging.rate_limit_per_minute", d.Messaging.RateLimitPerMinute)
	v.SetDefault("messaging.history_limit", d.Messaging.HistoryLimit)

	v.SetDefault("notifications.nats.enabled", d.Notifications.NATS.Enabled)
	v.SetDefault("notifications.nats.url", d.Notifications.NATS.URL)
	v.SetDefault("notifications.nats.stream", d.Notifications.NATS.Stream)
	v.SetDefault("notifications.nats.subject_prefix", d.Notifications.NATS.SubjectPrefix)
	v.SetDefault("notifications.nats.timeout", d.Notifications.NATS.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
}
