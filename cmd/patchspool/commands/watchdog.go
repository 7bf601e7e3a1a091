package commands

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/patchspool/am"
	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/store"
	"github.com/teranos/patchspool/sym"
	"github.com/teranos/patchspool/watchdog"
)

// WatchdogCmd groups the delivery tracking commands
var WatchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: sym.Watchdog + " Show delivery tracking status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var watchdogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest watchdog snapshot",
	Long: `Show the latest watchdog snapshot.

By default the status file the daemon publishes at the store root is read.
With --live and the sqlite registry the snapshot is computed from the
registry directly.`,
	RunE: runWatchdogStatus,
}

var watchdogSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep over the persistent registry",
	Long: `Retry timed-out hand-offs and escalate the ones out of retries.

Only meaningful with the sqlite registry; the memory registry of this
process starts empty.`,
	RunE: runWatchdogSweep,
}

func init() {
	watchdogStatusCmd.Flags().Bool("live", false, "Compute the snapshot from the sqlite registry")
	watchdogStatusCmd.Flags().BoolP("json", "j", false, "Output the snapshot as JSON")
	WatchdogCmd.AddCommand(watchdogStatusCmd)
	WatchdogCmd.AddCommand(watchdogSweepCmd)
}

func runWatchdogStatus(cmd *cobra.Command, args []string) error {
	live, _ := cmd.Flags().GetBool("live")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var snap watchdog.Snapshot
	if live {
		d, err := openPipeline()
		if err != nil {
			return err
		}
		defer d.Stop()
		if snap, err = d.Watchdog.Snapshot(context.Background()); err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := store.New(cfg.Store.Root, cfg.Domains).RootPath(store.WatchdogStatusFile)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return errors.WithHint(errors.Newf("no watchdog status at %s", path),
				"start the daemon with 'patchspool pulse start', or use --live with the sqlite registry")
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", path)
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return errors.Wrapf(err, "invalid watchdog status in %s", path)
		}
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), snap)
	}
	printSnapshot(snap)
	return nil
}

func runWatchdogSweep(cmd *cobra.Command, args []string) error {
	d, err := openPipeline()
	if err != nil {
		return err
	}
	defer d.Stop()
	if d.Config().Watchdog.Registry != am.RegistrySQLite {
		pterm.Warning.Println("Memory registry: nothing persisted to sweep")
	}

	res, err := d.Watchdog.Sweep(context.Background())
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Timed out: %d  Retried: %d  Escalated: %d",
		len(res.TimedOut), len(res.Retried), len(res.Escalated))
	for _, id := range res.Escalated {
		pterm.Error.Printfln("Escalated %s", id)
	}
	return nil
}

func printSnapshot(snap watchdog.Snapshot) {
	pterm.DefaultSection.Printfln("%s Watchdog", sym.Watchdog)
	pterm.Printfln("  Total: %d  Delivered: %d  Failed: %d  Retried: %d  Escalated: %d",
		snap.TotalPatches, snap.DeliveredPatches, snap.FailedPatches, snap.RetriedPatches, snap.EscalatedPatches)
	pterm.Printfln("  Uptime: %s  Generated: %s",
		(time.Duration(snap.Uptime) * time.Second).String(), snap.GeneratedAt.Format(time.RFC3339))

	if len(snap.ActivePatches) == 0 {
		pterm.Println()
		return
	}
	rows := pterm.TableData{{"UUID", "Source", "Registered", "Retries", "Next retry"}}
	for _, a := range snap.ActivePatches {
		next := "-"
		if !a.NextRetryAt.IsZero() {
			next = a.NextRetryAt.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			a.UUID, a.Source, a.RegisteredAt.Format(time.RFC3339), pterm.Sprint(a.RetryCount), next,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		pterm.Error.Println(err)
	}
	pterm.Println()
}
