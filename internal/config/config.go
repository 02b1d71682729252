// Package config handles agent and orchestrator configuration from
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every fleetplane environment variable.
const EnvPrefix = "FLEETPLANE"

// Config holds all agent configuration.
type Config struct {
	// Connection
	OrchestratorURL string `envconfig:"URL"`        // http(s) base URL of the orchestrator
	Token           string `envconfig:"TOKEN"`      // agent authentication token
	TokenFile       string `envconfig:"TOKEN_FILE"` // alternative to TOKEN, read at load
	NodeID          string `envconfig:"NODE_ID"`    // stable node identity (UUID)

	// Behavior
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY"`
	LogLevel          string        `envconfig:"LOG_LEVEL"`
	LogFormat         string        `envconfig:"LOG_FORMAT"` // console or json

	// Capabilities
	CapabilitiesFile string       `envconfig:"CAPABILITIES_FILE"`
	Capabilities     Capabilities `ignored:"true"`

	// Derived
	Hostname string `envconfig:"HOSTNAME"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     2 * time.Minute,
		LogLevel:          "info",
		LogFormat:         "console",
		Hostname:          hostname,
	}
}

// LoadFromEnv loads configuration from environment variables, then the
// capability file and FLEETPLANE_CAP_* overlay.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("agent env: %w", err)
	}

	if cfg.Token == "" && cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		cfg.Token = strings.TrimSpace(string(data))
	}

	caps, err := LoadCapabilities(cfg.CapabilitiesFile)
	if err != nil {
		return nil, err
	}
	cfg.Capabilities = caps

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.OrchestratorURL == "" {
		return errors.New("FLEETPLANE_URL is required")
	}
	u, err := url.Parse(c.OrchestratorURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FLEETPLANE_URL must be an http(s) URL, got %q", c.OrchestratorURL)
	}
	if c.Token == "" {
		return errors.New("FLEETPLANE_TOKEN or FLEETPLANE_TOKEN_FILE is required")
	}
	if _, err := uuid.Parse(c.NodeID); err != nil {
		return fmt.Errorf("FLEETPLANE_NODE_ID must be a UUID: %w", err)
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New("retry delays must be positive with max >= base")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// WebSocketURL derives the command socket URL from the orchestrator base URL.
func (c *Config) WebSocketURL() string {
	u, err := url.Parse(c.OrchestratorURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/agent"
	return u.String()
}

// HeartbeatURL is the endpoint heartbeats are posted to.
func (c *Config) HeartbeatURL() string {
	return strings.TrimSuffix(c.OrchestratorURL, "/") + "/api/agent/heartbeat"
}
