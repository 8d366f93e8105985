package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Heartbeat bounds. Clients treat a silent feed as dead after a multiple of
// the interval, so it must stay well under typical proxy idle timeouts.
const (
	minHeartbeat = time.Second
	maxHeartbeat = 5 * time.Minute
)

func (c *Config) validate() error {
	checks := []func() error{
		c.validateDatabase,
		c.validateNetwork,
		c.validateCORS,
		c.validateNATS,
		c.validateTuning,
	}

	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.DatabaseURL.Value() == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	dbURL, err := url.Parse(c.DatabaseURL.Value())
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	if dbURL.Scheme != "postgres" && dbURL.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL scheme must be postgres:// or postgresql://")
	}

	if dbURL.Hostname() == "" {
		return fmt.Errorf("DATABASE_URL must include a host")
	}

	dbHost := dbURL.Hostname()
	if !isLoopback(dbHost) {
		if dbURL.Query().Get("sslmode") == "disable" {
			return fmt.Errorf("DATABASE_URL sslmode=disable is not allowed for non-local host %q", dbHost)
		}
	}

	if c.DBMaxConns < 2 || c.DBMaxConns > 200 {
		return fmt.Errorf("DB_MAX_CONNS must be an integer between 2 and 200, got %d", c.DBMaxConns)
	}

	return nil
}

func (c *Config) validateNetwork() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil {
		return fmt.Errorf("PORT must be a valid integer: %w", err)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	// Loopback for local deployments, 0.0.0.0/:: for containers where the
	// network boundary is enforced externally.
	validHosts := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   true,
		"::":        true,
	}
	if !validHosts[c.ListenHost] {
		return fmt.Errorf("LISTEN_HOST must be a loopback address or 0.0.0.0/:: for containers (got %q)", c.ListenHost)
	}

	return nil
}

// validateCORS also guards the WebSocket origin patterns, which reuse this list.
func (c *Config) validateCORS() error {
	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			return fmt.Errorf("CORS_ORIGINS must not contain wildcard '*'")
		}
		if strings.ContainsAny(origin, "*?[]") {
			return fmt.Errorf("CORS_ORIGINS must not contain glob characters (*?[]), got %q", origin)
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("CORS_ORIGINS contains invalid origin %q (must have scheme and host)", origin)
		}
	}

	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATSEnabled() {
		return nil
	}

	for _, server := range strings.Split(c.NATSURL.Value(), ",") {
		u, err := url.Parse(strings.TrimSpace(server))
		if err != nil || u.Host == "" {
			return fmt.Errorf("NATS_URL contains an invalid server URL")
		}

		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return fmt.Errorf("NATS_URL scheme must be nats, tls, ws or wss, got %q", u.Scheme)
		}
	}

	return nil
}

func (c *Config) validateTuning() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if c.HeartbeatInterval < minHeartbeat || c.HeartbeatInterval > maxHeartbeat {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be between %s and %s, got %s", minHeartbeat, maxHeartbeat, c.HeartbeatInterval)
	}

	if c.RateLimit < 1 || c.RateBurst < 1 {
		return fmt.Errorf("RATE_LIMIT and RATE_BURST must be positive")
	}

	if c.RateBurst < c.RateLimit {
		return fmt.Errorf("RATE_BURST (%d) must be at least RATE_LIMIT (%d)", c.RateBurst, c.RateLimit)
	}

	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
