package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teranos/patchspool/am"
	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage patchspool configuration",
	Long: sym.AM + ` am - Manage patchspool configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (PATCHSPOOL_* prefix)
2. Project config (./am.toml, searched up the directory tree)
3. User config (~/.patchspool/am.toml)
4. System config (/etc/patchspool/am.toml)
5. Default values

Examples:
  patchspool am show                    # Show current configuration
  patchspool am show --format json      # Show configuration in JSON format
  patchspool am validate                # Validate current configuration
  patchspool am init                    # Write ./am.toml with the defaults`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate configuration",
	Long: `Validate the effective configuration, or a single file strictly.

A file given as argument is decoded strictly: keys patchspool does not know
are reported, which catches typos that would otherwise be ignored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Long: `Write the default configuration to path (default ./am.toml).

An existing file is rotated into .back1, .back2 and .back3 first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmInit,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", am.FormatTOML, "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := am.Marshal(cfg, configFormat)
	if err != nil {
		return err
	}
	if configFormat != am.FormatJSON {
		fmt.Fprintln(cmd.OutOrStdout(), "# patchspool configuration")
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		result, err := am.CheckFile(args[0])
		if result != nil {
			for _, key := range result.UnknownKeys {
				fmt.Fprintf(out, "⚠ unknown key: %s\n", key)
			}
		}
		if err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
		if len(result.UnknownKeys) > 0 {
			return errors.Newf("%s has %d unknown key(s)", args[0], len(result.UnknownKeys))
		}
		fmt.Fprintf(out, "✓ %s is valid\n", args[0])
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(out, "✓ Configuration is valid")
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := "am.toml"
	if len(args) == 1 {
		path = args[0]
	}
	if err := am.WriteDefault(path); err != nil {
		return err
	}
	abs, _ := filepath.Abs(path)
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote default configuration to %s\n", abs)
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  [DEFAULT]  Built-in defaults")
	for _, path := range am.ConfigPaths() {
		status := "missing"
		if _, err := os.Stat(path); err == nil {
			status = "found"
		}
		fmt.Fprintf(out, "  [FILE]     %s (%s)\n", path, status)
	}
	fmt.Fprintf(out, "  [ENV]      %s_* environment variables\n", am.EnvPrefix)
	fmt.Fprintln(out)

	if ConfigPath != "" {
		fmt.Fprintf(out, "Explicit --config: %s\n", ConfigPath)
	} else if active := am.ActiveConfigPath(); active != "" {
		fmt.Fprintf(out, "Highest-precedence file: %s\n", active)
	} else {
		fmt.Fprintln(out, "No config file found; running on defaults")
	}
	return nil
}
