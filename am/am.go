// Package am holds the patchspool configuration: the struct tree, defaults,
// layered loading through viper, validation and hot reload.
package am

import (
	"path/filepath"
	"strings"
	"time"
)

// Config represents the patchspool configuration
type Config struct {
	// RequiredVersion is a semver constraint the running binary must meet
	RequiredVersion string          `mapstructure:"required_version" toml:"required_version"`
	Store           StoreConfig     `mapstructure:"store" toml:"store"`
	Domains         []string        `mapstructure:"domains" toml:"domains"`
	Admission       AdmissionConfig `mapstructure:"admission" toml:"admission"`
	Engine          EngineConfig    `mapstructure:"engine" toml:"engine"`
	Watchdog        WatchdogConfig  `mapstructure:"watchdog" toml:"watchdog"`
	Tracker         TrackerConfig   `mapstructure:"tracker" toml:"tracker"`
	Server          ServerConfig    `mapstructure:"server" toml:"server"`
	Database        DatabaseConfig  `mapstructure:"database" toml:"database"`
	Log             LogConfig       `mapstructure:"log" toml:"log"`
}

// StoreConfig locates the record store on disk
type StoreConfig struct {
	Root string `mapstructure:"root" toml:"root"`
}

// AdmissionConfig configures spool scanning
type AdmissionConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds" toml:"interval_seconds"` // 0 = no periodic scan
	MaxNameLength   int    `mapstructure:"max_name_length" toml:"max_name_length"`
	Extension       string `mapstructure:"extension" toml:"extension"`
	Watch           bool   `mapstructure:"watch" toml:"watch"` // fsnotify-triggered scans between ticks
}

// EngineConfig configures the execution engine
type EngineConfig struct {
	PollIntervalMS           int               `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	HeartbeatIntervalSeconds int               `mapstructure:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"`
	CommandTimeoutSeconds    int               `mapstructure:"command_timeout_seconds" toml:"command_timeout_seconds"` // 0 = no timeout
	RunDisabled              bool              `mapstructure:"run_disabled" toml:"run_disabled"`
	Workspaces               map[string]string `mapstructure:"workspaces" toml:"workspaces"` // domain -> workspace dir
	Git                      GitConfig         `mapstructure:"git" toml:"git"`
}

// GitConfig is the signature used for finalization commits and tags
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name" toml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" toml:"author_email"`
}

// WatchdogConfig configures delivery tracking
type WatchdogConfig struct {
	TimeoutSeconds        int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	SweepIntervalSeconds  int    `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds"`
	MaxRetries            int    `mapstructure:"max_retries" toml:"max_retries"`
	BackoffInitialSeconds int    `mapstructure:"backoff_initial_seconds" toml:"backoff_initial_seconds"`
	BackoffMaxSeconds     int    `mapstructure:"backoff_max_seconds" toml:"backoff_max_seconds"`
	Registry              string `mapstructure:"registry" toml:"registry"`                   // memory | sqlite
	AlertsPerMinute       int    `mapstructure:"alerts_per_minute" toml:"alerts_per_minute"` // 0 = unthrottled
}

// TrackerConfig configures the lifecycle tracker
type TrackerConfig struct {
	RecentLimit            int `mapstructure:"recent_limit" toml:"recent_limit"`
	RefreshIntervalSeconds int `mapstructure:"refresh_interval_seconds" toml:"refresh_interval_seconds"` // 0 = on demand only
}

// ServerConfig configures the read-only status server
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr"`
}

// DatabaseConfig configures the SQLite database backing the sqlite registry
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// Registry backends
const (
	RegistryMemory = "memory"
	RegistrySQLite = "sqlite"
)

// DefaultDirPermissions for directories created on behalf of the user
const DefaultDirPermissions = 0o755

// PollInterval returns the engine poll interval
func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the minimum spacing between heartbeat records
func (c EngineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// CommandTimeout returns the per-command timeout, zero when disabled
func (c EngineConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// WorkspaceFor returns the workspace directory for a domain
func (c EngineConfig) WorkspaceFor(domain string) string {
	if ws, ok := c.Workspaces[domain]; ok && ws != "" {
		return ws
	}
	// viper lowercases map keys read from files
	if ws, ok := c.Workspaces[strings.ToLower(domain)]; ok && ws != "" {
		return ws
	}
	return filepath.Join("workspace", domain)
}

// Interval returns the admission scan interval
func (c AdmissionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Timeout returns the delivery confirmation timeout
func (c WatchdogConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SweepInterval returns the sweep period
func (c WatchdogConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// BackoffInitial returns the delay before the first retry
func (c WatchdogConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialSeconds) * time.Second
}

// BackoffMax returns the retry delay ceiling
func (c WatchdogConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// RefreshInterval returns the cache refresh period
func (c TrackerConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}
