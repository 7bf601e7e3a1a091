package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/pulse/daemon"
	"github.com/teranos/patchspool/sym"
)

// PulseCmd groups the daemon commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the pipeline daemon",
	Long: sym.Pulse + ` Pulse daemon - the pipeline's scheduler.

The daemon runs four loops on independent timers:
- Admission scans of every spool (plus fsnotify-triggered scans)
- Engine cycles over every queue, one patch at a time per domain
- Watchdog sweeps for timed-out hand-offs, with backoff and escalation
- Lifecycle refreshes of the cached per-domain reports

Example:
  patchspool pulse start              # Start daemon in foreground
  patchspool pulse start --run-disabled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pipeline daemon",
	Long: `Start the pipeline daemon in foreground mode.

Runs until interrupted (Ctrl+C). On shutdown the loops stop first, waiting
for in-flight runs, then the status server and the registry close.`,
	RunE: runPulseStart,
}

func init() {
	pulseStartCmd.Flags().Bool("run-disabled", false, "Also execute patches marked disabledByDefault")
	PulseCmd.AddCommand(pulseStartCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("run-disabled") {
		cfg.Engine.RunDisabled, _ = cmd.Flags().GetBool("run-disabled")
	}

	var opts []daemon.Option
	if path := configFile(); path != "" {
		opts = append(opts, daemon.WithConfigPath(path))
	}
	d, err := daemon.New(cfg, logger.Logger, opts...)
	if err != nil {
		return err
	}

	if err := d.Start(context.Background()); err != nil {
		d.Stop()
		return err
	}

	fmt.Printf("%s Pipeline started\n", sym.Pulse)
	fmt.Printf("  Store: %s\n", cfg.Store.Root)
	fmt.Printf("  Domains: %v\n", cfg.Domains)
	fmt.Printf("  Engine poll: %v\n", cfg.Engine.PollInterval())
	fmt.Printf("  Watchdog timeout: %v (sweep %v, %s registry)\n",
		cfg.Watchdog.Timeout(), cfg.Watchdog.SweepInterval(), cfg.Watchdog.Registry)
	if d.Server != nil {
		fmt.Printf("  Status server: http://%s\n", d.Server.Addr())
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.Pulse)
	if err := d.Stop(); err != nil {
		return err
	}
	fmt.Printf("%s Pipeline stopped\n", sym.Pulse)
	return nil
}
