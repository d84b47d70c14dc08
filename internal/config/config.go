// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.orchestra/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the WebSocket server.
	// Default: 127.0.0.1:7171
	Addr string `toml:"addr"`

	// DBPath is the SQLite database for session history and viewer tokens.
	// Default: ~/.orchestra/orchestra.db
	DBPath string `toml:"db_path"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFormat is "console" or "json".
	// Default: console
	LogFormat string `toml:"log_format"`

	// LogFile redirects log output from stderr to a file.
	LogFile string `toml:"log_file"`

	// Shell is the program started in each worktree's pty.
	// If empty, defaults to the user's shell ($SHELL or /bin/sh).
	Shell string `toml:"shell"`

	// HistoryBytes is how much output each session keeps for catch-up.
	// Default: 100000
	HistoryBytes int `toml:"history_bytes"`

	// HistoryTrimBytes is what remains after the history overflows.
	// Default: 50000
	HistoryTrimBytes int `toml:"history_trim_bytes"`

	// LaunchCommand is typed into a freshly spawned shell.
	// Default: "claude\r"
	LaunchCommand string `toml:"launch_command"`

	// LaunchDelayMs is how long to wait before typing LaunchCommand.
	// Default: 500
	LaunchDelayMs int `toml:"launch_delay_ms"`

	// DedupWindowMs bounds suppression of an identical repeated chunk.
	// Zero or negative disables suppression. Default: 2
	DedupWindowMs int `toml:"dedup_window_ms"`

	// MaxSessions caps concurrently live ptys.
	// Default: 20
	MaxSessions int `toml:"max_sessions"`

	// InputRate is the sustained terminal.input messages per second per connection.
	// Default: 200
	InputRate float64 `toml:"input_rate"`

	// InputBurst is the token bucket size for terminal.input.
	// Default: 400
	InputBurst int `toml:"input_burst"`

	// RequireAuth enables token-based authentication for WebSocket connections.
	// Default: false
	RequireAuth bool `toml:"require_auth"`
}

// Defaults returns a Config with every field set to its default value.
// DBPath is left empty when the home directory is unknown.
func Defaults() *Config {
	cfg := &Config{
		Addr:             DefaultAddr,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
		HistoryBytes:     DefaultHistoryBytes,
		HistoryTrimBytes: DefaultHistoryTrimBytes,
		LaunchCommand:    DefaultLaunchCommand,
		LaunchDelayMs:    DefaultLaunchDelayMs,
		DedupWindowMs:    DefaultDedupWindowMs,
		MaxSessions:      DefaultMaxSessions,
		InputRate:        DefaultInputRate,
		InputBurst:       DefaultInputBurst,
	}
	if path, err := DefaultDBPath(); err == nil {
		cfg.DBPath = path
	}
	return cfg
}

// ApplyDefaults fills unset fields from Defaults, for configs assembled
// without Load. DedupWindowMs is left alone since 0 is a meaningful value.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.HistoryBytes == 0 {
		c.HistoryBytes = d.HistoryBytes
	}
	if c.HistoryTrimBytes == 0 {
		c.HistoryTrimBytes = d.HistoryTrimBytes
	}
	if c.LaunchCommand == "" {
		c.LaunchCommand = d.LaunchCommand
	}
	if c.LaunchDelayMs == 0 {
		c.LaunchDelayMs = d.LaunchDelayMs
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.InputRate == 0 {
		c.InputRate = d.InputRate
	}
	if c.InputBurst == 0 {
		c.InputBurst = d.InputBurst
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q", c.LogFormat)
	}
	if c.HistoryBytes < 0 {
		return fmt.Errorf("history_bytes must not be negative")
	}
	if c.HistoryTrimBytes < 0 || (c.HistoryBytes > 0 && c.HistoryTrimBytes > c.HistoryBytes) {
		return fmt.Errorf("history_trim_bytes must be between 0 and history_bytes")
	}
	if c.LaunchDelayMs < 0 {
		return fmt.Errorf("launch_delay_ms must not be negative")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	if c.InputRate < 0 || c.InputBurst < 0 {
		return fmt.Errorf("input_rate and input_burst must not be negative")
	}
	return nil
}

// LaunchDelay returns LaunchDelayMs as a duration.
func (c *Config) LaunchDelay() time.Duration {
	return time.Duration(c.LaunchDelayMs) * time.Millisecond
}

// DedupWindow returns DedupWindowMs as a duration, or -1 when suppression
// is disabled.
func (c *Config) DedupWindow() time.Duration {
	if c.DedupWindowMs <= 0 {
		return -1
	}
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

// Dir returns the host's state directory, ~/.orchestra.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".orchestra"), nil
}

// DefaultConfigPath returns the default config file location: ~/.orchestra/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDBPath returns ~/.orchestra/orchestra.db.
func DefaultDBPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "orchestra.db"), nil
}

// WriteDefault creates a commented config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# Orchestra host configuration

# Loopback only: the desktop UI runs on this machine
addr = %q

# Typed into each new worktree shell
launch_command = %q
launch_delay_ms = %d

# Per-session output kept for catch-up
history_bytes = %d
history_trim_bytes = %d

max_sessions = %d
require_auth = false
`, DefaultAddr, DefaultLaunchCommand, DefaultLaunchDelayMs,
		DefaultHistoryBytes, DefaultHistoryTrimBytes, DefaultMaxSessions)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied to every key the file leaves unset.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.orchestra/config.toml).
//     Returns the defaults without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed or is invalid.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Decoding over the defaults leaves unset keys at their default values,
	// which lets an explicit dedup_window_ms = 0 survive.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}
