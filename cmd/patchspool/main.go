package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/patchspool/cmd/patchspool/commands"
	"github.com/teranos/patchspool/logger"
)

var rootCmd = &cobra.Command{
	Use:   "patchspool",
	Short: "patchspool - patch spool, admission and staged execution",
	Long: `patchspool - file-backed patch delivery and execution pipeline.

Producers drop JSON patch records into a per-domain spool. Admission
validates them into the queue or rejects them, the engine executes queued
patches stage by stage inside the domain workspace, the watchdog tracks
every hand-off until it is admitted, and the lifecycle tracker reconciles
terminal records with their execution summaries.

Available commands:
  pulse     - Run the pipeline daemon
  submit    - Hand a patch record to the spool
  admit     - Run one admission scan
  run       - Run one engine cycle
  lifecycle - Show lifecycle reports
  watchdog  - Show delivery tracking status
  am        - Manage configuration ("I am")
  version   - Show version information

Examples:
  patchspool pulse start                      # Run the daemon in foreground
  patchspool submit domainA fix.json --admit  # Hand off and admit immediately
  patchspool lifecycle domainA                # Recent patches and success rate
  patchspool am show --format json            # Effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am and version print machine-readable output; keep their stdout clean
		if cmd.Name() == "version" || (cmd.Parent() != nil && cmd.Parent().Name() == "am") {
			return nil
		}
		return commands.InitLogger(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigPath, "config", "c", "", "Config file (default: layered am.toml lookup)")

	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.AdmitCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.LifecycleCmd)
	rootCmd.AddCommand(commands.WatchdogCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
