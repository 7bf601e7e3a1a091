package am

import (
	"github.com/spf13/viper"
)

// DefaultDomains are the two partitions a fresh install runs with
var DefaultDomains = []string{"domainA", "domainB"}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("required_version", "")
	v.SetDefault("store.root", "./spool-root")
	v.SetDefault("domains", DefaultDomains)

	// Admission
	v.SetDefault("admission.interval_seconds", 5)
	v.SetDefault("admission.max_name_length", 128)
	v.SetDefault("admission.extension", ".json")
	v.SetDefault("admission.watch", true)

	// Engine
	v.SetDefault("engine.poll_interval_ms", 2000)
	v.SetDefault("engine.heartbeat_interval_seconds", 60)
	v.SetDefault("engine.command_timeout_seconds", 600)
	v.SetDefault("engine.run_disabled", false)
	v.SetDefault("engine.git.author_name", "patchspool")
	v.SetDefault("engine.git.author_email", "patchspool@localhost")

	// Watchdog
	v.SetDefault("watchdog.timeout_seconds", 300)
	v.SetDefault("watchdog.sweep_interval_seconds", 30)
	v.SetDefault("watchdog.max_retries", 3)
	v.SetDefault("watchdog.backoff_initial_seconds", 30)
	v.SetDefault("watchdog.backoff_max_seconds", 600)
	v.SetDefault("watchdog.registry", RegistryMemory)
	v.SetDefault("watchdog.alerts_per_minute", 6)

	// Lifecycle tracker
	v.SetDefault("tracker.recent_limit", 20)
	v.SetDefault("tracker.refresh_interval_seconds", 60)

	// Status server
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", "127.0.0.1:8787")

	v.SetDefault("database.path", "patchspool.db")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// Defaults returns a Config populated only from SetDefaults
func Defaults() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return LoadWithViper(v)
}
