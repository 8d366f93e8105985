// Package config provides environment-driven configuration for the dashsync server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// Config holds all server configuration values.
type Config struct {
	DatabaseURL       Secret
	Port              string
	ListenHost        string
	CORSOrigins       []string
	LogLevel          string
	DBMaxConns        int32
	NATSURL           Secret // optional; may embed credentials
	HeartbeatInterval time.Duration
	RateLimit         int
	RateBurst         int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: Secret(envOrDefault("DATABASE_URL", "")),
		Port:        envOrDefault("PORT", "3030"),
		ListenHost:  envOrDefault("LISTEN_HOST", "127.0.0.1"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		NATSURL:     Secret(envOrDefault("NATS_URL", "")),
	}

	maxConns, err := strconv.ParseInt(envOrDefault("DB_MAX_CONNS", "21"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_CONNS must be an integer between 2 and 200")
	}
	cfg.DBMaxConns = int32(maxConns)

	cfg.HeartbeatInterval, err = time.ParseDuration(envOrDefault("HEARTBEAT_INTERVAL", "15s"))
	if err != nil {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL must be a duration: %w", err)
	}

	if cfg.RateLimit, err = strconv.Atoi(envOrDefault("RATE_LIMIT", "100")); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT must be an integer: %w", err)
	}

	if cfg.RateBurst, err = strconv.Atoi(envOrDefault("RATE_BURST", "200")); err != nil {
		return nil, fmt.Errorf("RATE_BURST must be an integer: %w", err)
	}

	origins := envOrDefault("CORS_ORIGINS", "http://localhost:5173")
	cfg.CORSOrigins = strings.Split(origins, ",")

	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Addr returns the listen address in host:port format.
func (c *Config) Addr() string {
	return c.ListenHost + ":" + c.Port
}

// NATSEnabled reports whether change events are also published to NATS.
func (c *Config) NATSEnabled() bool {
	return c.NATSURL.Value() != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
