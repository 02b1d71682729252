package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNodeID = "6f1c2b1e-4a55-4a7e-9a1f-3c2d1e0f9b8a"

func setAgentEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FLEETPLANE_URL", "https://fleet.example.com")
	t.Setenv("FLEETPLANE_TOKEN", "secret")
	t.Setenv("FLEETPLANE_NODE_ID", testNodeID)
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setAgentEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "wss://fleet.example.com/ws/agent", cfg.WebSocketURL())
	assert.Equal(t, "https://fleet.example.com/api/agent/heartbeat", cfg.HeartbeatURL())

	// No file, no overlay: everything sensitive is off.
	assert.Equal(t, Capabilities{}, cfg.Capabilities)
	assert.Empty(t, cfg.Capabilities.Enabled())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setAgentEnv(t)
	t.Setenv("FLEETPLANE_URL", "http://10.0.0.5:8000/")
	t.Setenv("FLEETPLANE_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("FLEETPLANE_LOG_FORMAT", "json")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "ws://10.0.0.5:8000/ws/agent", cfg.WebSocketURL())
}

func TestLoadFromEnv_TokenFile(t *testing.T) {
	setAgentEnv(t)
	t.Setenv("FLEETPLANE_TOKEN", "")
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	t.Setenv("FLEETPLANE_TOKEN_FILE", path)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Token)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := DefaultConfig()
		c.OrchestratorURL = "https://fleet.example.com"
		c.Token = "t"
		c.NodeID = testNodeID
		return c
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"missing url":    func(c *Config) { c.OrchestratorURL = "" },
		"ws url":         func(c *Config) { c.OrchestratorURL = "ws://fleet" },
		"missing token":  func(c *Config) { c.Token = "" },
		"bad node id":    func(c *Config) { c.NodeID = "web-01" },
		"short interval": func(c *Config) { c.HeartbeatInterval = 10 * time.Millisecond },
		"bad delays":     func(c *Config) { c.RetryMaxDelay = time.Millisecond },
		"bad log format": func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadCapabilities_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
enable_log_viewer: true
enable_scripts: true
log_max_bytes: 4096
allowed_log_paths:
  - /var/log
`), 0o644))

	t.Setenv("FLEETPLANE_CAP_ENABLE_SCRIPTS", "false")
	t.Setenv("FLEETPLANE_CAP_ENABLE_TERMINAL", "true")

	caps, err := LoadCapabilities(path)
	require.NoError(t, err)
	assert.True(t, caps.EnableLogViewer)
	assert.False(t, caps.EnableScripts, "env overrides file")
	assert.True(t, caps.EnableTerminal)
	assert.False(t, caps.EnableFileBrowser)
	assert.Equal(t, int64(4096), caps.LogMaxBytes)
	assert.Equal(t, []string{"/var/log"}, caps.AllowedLogPaths)
}

func TestLoadCapabilities_UnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enable_everything: true\n"), 0o644))

	_, err := LoadCapabilities(path)
	assert.Error(t, err)
}

func TestLoadCapabilities_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	caps, err := LoadCapabilities(path)
	require.NoError(t, err)
	assert.Equal(t, Capabilities{}, caps)
}

func TestCapabilities_WithDefaults(t *testing.T) {
	caps := Capabilities{LogMaxBytes: 10}.WithDefaults()
	assert.Equal(t, int64(10), caps.LogMaxBytes)
	assert.Equal(t, int64(DefaultScriptMaxOutputBytes), caps.ScriptMaxOutputBytes)
	assert.Equal(t, DefaultScriptMaxDurationSeconds*time.Second, caps.ScriptMaxDuration())
	assert.False(t, caps.EnableScripts)
}

func TestLoadOrchestratorFromEnv(t *testing.T) {
	t.Setenv("FLEETPLANE_AGENT_TOKEN_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	t.Setenv("FLEETPLANE_SNAPSHOT_TTL", "500ms")

	cfg, err := LoadOrchestratorFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.SnapshotTTL)
	assert.Equal(t, 4096, cfg.OutputEntries)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, 720*time.Hour, cfg.Retention)
	assert.Equal(t, time.Hour, cfg.CleanupEvery)
}

func TestLoadOrchestratorFromEnv_RequiresTokenHash(t *testing.T) {
	t.Setenv("FLEETPLANE_AGENT_TOKEN_HASH", "")
	_, err := LoadOrchestratorFromEnv()
	assert.Error(t, err)
}
