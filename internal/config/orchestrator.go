package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// OrchestratorConfig holds orchestrator configuration.
type OrchestratorConfig struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8000"`
	AgentTokenHash string        `envconfig:"AGENT_TOKEN_HASH"` // bcrypt hash of the shared agent token
	OperatorHash   string        `envconfig:"OPERATOR_TOKEN_HASH"` // bcrypt hash for the command API; empty reuses the agent hash
	DatabasePath   string        `envconfig:"DATABASE_PATH" default:"fleetplane.db"`
	SnapshotTTL    time.Duration `envconfig:"SNAPSHOT_TTL" default:"2s"`
	NATSURL        string        `envconfig:"NATS_URL"` // empty disables the NATS publisher
	OutputTTL      time.Duration `envconfig:"OUTPUT_TTL" default:"30m"`
	OutputEntries  int           `envconfig:"OUTPUT_ENTRIES" default:"4096"`
	Retention      time.Duration `envconfig:"COMMAND_RETENTION" default:"720h"` // finished commands older than this are deleted
	CleanupEvery   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"console"`
}

// LoadOrchestratorFromEnv loads the orchestrator configuration.
func LoadOrchestratorFromEnv() (*OrchestratorConfig, error) {
	var cfg OrchestratorConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("orchestrator env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// OperatorTokenHash is the hash guarding the command API.
func (c *OrchestratorConfig) OperatorTokenHash() string {
	if c.OperatorHash != "" {
		return c.OperatorHash
	}
	return c.AgentTokenHash
}

// Validate checks that the configuration is valid.
func (c *OrchestratorConfig) Validate() error {
	if c.AgentTokenHash == "" {
		return errors.New("FLEETPLANE_AGENT_TOKEN_HASH is required (see 'fleetplane-orchestrator hash-token')")
	}
	if c.DatabasePath == "" {
		return errors.New("database path is required")
	}
	if c.SnapshotTTL <= 0 {
		return errors.New("snapshot TTL must be positive")
	}
	if c.Retention <= 0 || c.CleanupEvery <= 0 {
		return errors.New("command retention and cleanup interval must be positive")
	}
	if c.OutputEntries <= 0 {
		return errors.New("output entries must be positive")
	}
	return nil
}
