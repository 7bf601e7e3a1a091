package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/patchspool/am"
	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/pulse/daemon"
)

// ConfigPath is set by the root --config flag. Empty means the layered
// am.toml lookup.
var ConfigPath string

// loadConfig reads the configuration from --config or the layered lookup
func loadConfig() (*am.Config, error) {
	if ConfigPath != "" {
		return am.LoadFromFile(ConfigPath)
	}
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// configFile is the file hot reload should watch, if any
func configFile() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return am.ActiveConfigPath()
}

// InitLogger initializes the global logger from the configuration and the
// -v count. A config that fails to load falls back to the defaults so the
// command itself can report the error.
func InitLogger(cmd *cobra.Command) error {
	jsonOutput, level := false, ""
	if cfg, err := loadConfig(); err == nil {
		jsonOutput, level = cfg.Log.JSON, cfg.Log.Level
	}
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if err := logger.Initialize(jsonOutput, logger.VerbosityToLevelName(verbosity, level)); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

// openPipeline wires the pipeline for a one-shot command. The caller must
// Stop it to release the registry.
func openPipeline(opts ...daemon.Option) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.New(cfg, logger.Logger, opts...)
}
