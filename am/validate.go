package am

import (
	"strings"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/version"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store.Root == "" {
		return errors.New("store.root cannot be empty")
	}

	if len(c.Domains) == 0 {
		return errors.New("domains must name at least one domain")
	}
	seen := make(map[string]bool, len(c.Domains))
	for _, d := range c.Domains {
		if d == "" || d == "." || d == ".." || strings.ContainsAny(d, `/\`) || strings.HasPrefix(d, ".") {
			return errors.Newf("domains: %q is not a valid directory name", d)
		}
		if seen[d] {
			return errors.Newf("domains: %q listed twice", d)
		}
		seen[d] = true
	}

	// Admission: 0 interval = scan only on demand / fsnotify
	if c.Admission.IntervalSeconds < 0 {
		return errors.Newf("admission.interval_seconds must be >= 0, got %d", c.Admission.IntervalSeconds)
	}
	if c.Admission.MaxNameLength <= 0 {
		return errors.Newf("admission.max_name_length must be > 0, got %d", c.Admission.MaxNameLength)
	}
	if !strings.HasPrefix(c.Admission.Extension, ".") {
		return errors.Newf("admission.extension must start with '.', got %q", c.Admission.Extension)
	}

	// Engine
	if c.Engine.PollIntervalMS < 0 {
		return errors.Newf("engine.poll_interval_ms must be >= 0, got %d", c.Engine.PollIntervalMS)
	}
	if c.Engine.HeartbeatIntervalSeconds < 0 {
		return errors.Newf("engine.heartbeat_interval_seconds must be >= 0, got %d", c.Engine.HeartbeatIntervalSeconds)
	}
	if c.Engine.CommandTimeoutSeconds < 0 {
		return errors.Newf("engine.command_timeout_seconds must be >= 0, got %d", c.Engine.CommandTimeoutSeconds)
	}
	lowered := make(map[string]bool, len(seen))
	for d := range seen {
		lowered[strings.ToLower(d)] = true
	}
	for domain := range c.Engine.Workspaces {
		if !seen[domain] && !lowered[strings.ToLower(domain)] {
			return errors.Newf("engine.workspaces: %q is not a configured domain", domain)
		}
	}

	// Watchdog
	if c.Watchdog.TimeoutSeconds <= 0 {
		return errors.Newf("watchdog.timeout_seconds must be > 0, got %d", c.Watchdog.TimeoutSeconds)
	}
	if c.Watchdog.SweepIntervalSeconds < 0 {
		return errors.Newf("watchdog.sweep_interval_seconds must be >= 0, got %d", c.Watchdog.SweepIntervalSeconds)
	}
	if c.Watchdog.MaxRetries < 1 {
		return errors.Newf("watchdog.max_retries must be >= 1, got %d", c.Watchdog.MaxRetries)
	}
	if c.Watchdog.BackoffInitialSeconds < 0 {
		return errors.Newf("watchdog.backoff_initial_seconds must be >= 0, got %d", c.Watchdog.BackoffInitialSeconds)
	}
	if c.Watchdog.BackoffMaxSeconds < c.Watchdog.BackoffInitialSeconds {
		return errors.Newf("watchdog.backoff_max_seconds (%d) must be >= backoff_initial_seconds (%d)",
			c.Watchdog.BackoffMaxSeconds, c.Watchdog.BackoffInitialSeconds)
	}
	if c.Watchdog.AlertsPerMinute < 0 {
		return errors.Newf("watchdog.alerts_per_minute must be >= 0, got %d", c.Watchdog.AlertsPerMinute)
	}
	switch c.Watchdog.Registry {
	case RegistryMemory, RegistrySQLite:
	default:
		return errors.Newf("watchdog.registry must be %q or %q, got %q", RegistryMemory, RegistrySQLite, c.Watchdog.Registry)
	}
	if c.Watchdog.Registry == RegistrySQLite && c.Database.Path == "" {
		return errors.New("database.path cannot be empty when watchdog.registry is sqlite")
	}

	// Tracker
	if c.Tracker.RecentLimit <= 0 {
		return errors.Newf("tracker.recent_limit must be > 0, got %d", c.Tracker.RecentLimit)
	}
	if c.Tracker.RefreshIntervalSeconds < 0 {
		return errors.Newf("tracker.refresh_interval_seconds must be >= 0, got %d", c.Tracker.RefreshIntervalSeconds)
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr cannot be empty when server.enabled")
	}

	if c.RequiredVersion != "" {
		info := version.Get()
		ok, err := info.Satisfies(c.RequiredVersion)
		if err != nil {
			return errors.Wrap(err, "required_version")
		}
		if !ok {
			return errors.WithHint(
				errors.Newf("patchspool %s does not satisfy required_version %q", info.Version, c.RequiredVersion),
				"upgrade patchspool or relax required_version")
		}
	}

	return nil
}
