package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Capabilities gates the sensitive command families on an agent and bounds
// what they may consume. The zero value disables every gate. Zero limits
// fall back to the defaults in WithDefaults.
type Capabilities struct {
	EnableScripts     bool `yaml:"enable_scripts" envconfig:"ENABLE_SCRIPTS"`
	EnableTerminal    bool `yaml:"enable_terminal" envconfig:"ENABLE_TERMINAL"`
	EnableLogViewer   bool `yaml:"enable_log_viewer" envconfig:"ENABLE_LOG_VIEWER"`
	EnableFileBrowser bool `yaml:"enable_file_browser" envconfig:"ENABLE_FILE_BROWSER"`

	LogMaxBytes                int64 `yaml:"log_max_bytes" envconfig:"LOG_MAX_BYTES"`
	ScriptMaxOutputBytes       int64 `yaml:"script_max_output_bytes" envconfig:"SCRIPT_MAX_OUTPUT_BYTES"`
	ScriptMaxDurationSeconds   int   `yaml:"script_max_duration_seconds" envconfig:"SCRIPT_MAX_DURATION_SECONDS"`
	TerminalMaxOutputBytes     int64 `yaml:"terminal_max_output_bytes" envconfig:"TERMINAL_MAX_OUTPUT_BYTES"`
	TerminalMaxDurationSeconds int   `yaml:"terminal_max_duration_seconds" envconfig:"TERMINAL_MAX_DURATION_SECONDS"`
	ScriptMinIntervalSeconds   int   `yaml:"script_min_interval_seconds" envconfig:"SCRIPT_MIN_INTERVAL_SECONDS"`
	TerminalMinIntervalSeconds int   `yaml:"terminal_min_interval_seconds" envconfig:"TERMINAL_MIN_INTERVAL_SECONDS"`
	FileDownloadMaxBytes       int64 `yaml:"file_download_max_bytes" envconfig:"FILE_DOWNLOAD_MAX_BYTES"`

	// Path prefixes the log and file commands may touch. Empty allows any
	// absolute path once the gate is enabled.
	AllowedLogPaths  []string `yaml:"allowed_log_paths" envconfig:"ALLOWED_LOG_PATHS"`
	AllowedFileRoots []string `yaml:"allowed_file_roots" envconfig:"ALLOWED_FILE_ROOTS"`

	// ScriptDir holds named scripts addressable by scriptId.
	ScriptDir string `yaml:"script_dir" envconfig:"SCRIPT_DIR"`
}

// Limit defaults.
const (
	DefaultLogMaxBytes                = 1 << 20
	DefaultScriptMaxOutputBytes       = 1 << 20
	DefaultScriptMaxDurationSeconds   = 300
	DefaultTerminalMaxOutputBytes     = 4 << 20
	DefaultTerminalMaxDurationSeconds = 3600
	DefaultScriptMinIntervalSeconds   = 1
	DefaultTerminalMinIntervalSeconds = 1
	DefaultFileDownloadMaxBytes       = 256 << 20
)

// WithDefaults returns a copy with every zero limit replaced by its default.
// Gates are left untouched.
func (c Capabilities) WithDefaults() Capabilities {
	if c.LogMaxBytes <= 0 {
		c.LogMaxBytes = DefaultLogMaxBytes
	}
	if c.ScriptMaxOutputBytes <= 0 {
		c.ScriptMaxOutputBytes = DefaultScriptMaxOutputBytes
	}
	if c.ScriptMaxDurationSeconds <= 0 {
		c.ScriptMaxDurationSeconds = DefaultScriptMaxDurationSeconds
	}
	if c.TerminalMaxOutputBytes <= 0 {
		c.TerminalMaxOutputBytes = DefaultTerminalMaxOutputBytes
	}
	if c.TerminalMaxDurationSeconds <= 0 {
		c.TerminalMaxDurationSeconds = DefaultTerminalMaxDurationSeconds
	}
	if c.ScriptMinIntervalSeconds <= 0 {
		c.ScriptMinIntervalSeconds = DefaultScriptMinIntervalSeconds
	}
	if c.TerminalMinIntervalSeconds <= 0 {
		c.TerminalMinIntervalSeconds = DefaultTerminalMinIntervalSeconds
	}
	if c.FileDownloadMaxBytes <= 0 {
		c.FileDownloadMaxBytes = DefaultFileDownloadMaxBytes
	}
	return c
}

// ScriptMaxDuration is the script duration cap as a time.Duration.
func (c Capabilities) ScriptMaxDuration() time.Duration {
	return time.Duration(c.ScriptMaxDurationSeconds) * time.Second
}

// TerminalMaxDuration is the terminal session lifetime cap.
func (c Capabilities) TerminalMaxDuration() time.Duration {
	return time.Duration(c.TerminalMaxDurationSeconds) * time.Second
}

// Enabled lists the enabled gates by name, for registration and diagnostics.
func (c Capabilities) Enabled() []string {
	var out []string
	if c.EnableScripts {
		out = append(out, "scripts")
	}
	if c.EnableTerminal {
		out = append(out, "terminal")
	}
	if c.EnableLogViewer {
		out = append(out, "log_viewer")
	}
	if c.EnableFileBrowser {
		out = append(out, "file_browser")
	}
	return out
}

// capabilityEnvPrefix is the envconfig prefix for the overlay, so
// FLEETPLANE_CAP_ENABLE_SCRIPTS sets EnableScripts.
const capabilityEnvPrefix = "FLEETPLANE_CAP"

// LoadCapabilities reads the optional YAML file at path and then overlays
// FLEETPLANE_CAP_* environment variables. A missing path yields the zero
// (all disabled) configuration plus whatever the environment enables.
func LoadCapabilities(path string) (Capabilities, error) {
	var caps Capabilities
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return caps, fmt.Errorf("read capabilities file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&caps); err != nil && !errors.Is(err, io.EOF) {
			return caps, fmt.Errorf("parse capabilities file %s: %w", path, err)
		}
	}
	if err := envconfig.Process(capabilityEnvPrefix, &caps); err != nil {
		return caps, fmt.Errorf("capabilities env: %w", err)
	}
	return caps, nil
}
