package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/patchspool/lifecycle"
	"github.com/teranos/patchspool/sym"
)

// LifecycleCmd prints lifecycle reports
var LifecycleCmd = &cobra.Command{
	Use:   "lifecycle [domain]",
	Short: sym.Lifecycle + " Show lifecycle reports",
	Long: sym.Lifecycle + ` Reconcile terminal records with their execution summaries.

Shows totals, the success rate over executed patches and the most recent
patches with their derived status. Nothing in the store is modified.

Examples:
  patchspool lifecycle            # Every domain
  patchspool lifecycle domainA --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLifecycle,
}

func init() {
	LifecycleCmd.Flags().BoolP("json", "j", false, "Output the reports as JSON")
}

func runLifecycle(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	d, err := openPipeline()
	if err != nil {
		return err
	}
	defer d.Stop()

	domains := d.Store.Domains()
	if len(args) == 1 {
		domains = args[:1]
	}

	ctx := context.Background()
	reports := make([]*lifecycle.Report, 0, len(domains))
	for _, domain := range domains {
		rep, err := d.Tracker.Report(ctx, domain)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), reports)
	}
	for _, rep := range reports {
		printReport(rep)
	}
	return nil
}

func printReport(rep *lifecycle.Report) {
	pterm.DefaultSection.Printfln("%s %s", sym.Lifecycle, rep.Domain)
	pterm.Printfln("  Patches: %d (%d failed)  Summaries: %d", rep.TotalPatches, rep.FailedPatches, rep.TotalSummaries)
	pterm.Printfln("  Success: %d  Failed: %d  In progress: %d  Delivered: %d",
		rep.ExecutedSuccess, rep.ExecutedFailed, rep.InProgress, rep.Delivered)
	pterm.Printfln("  Success rate: %.1f%%", rep.SuccessRate*100)

	if len(rep.RecentPatches) == 0 {
		pterm.Println()
		return
	}
	rows := pterm.TableData{{"Patch", "Record", "Status", "Delivered", "Duration"}}
	for _, v := range rep.RecentPatches {
		duration := "-"
		if v.DurationSeconds != nil {
			duration = fmt.Sprintf("%.1fs", *v.DurationSeconds)
		}
		rows = append(rows, []string{
			v.PatchID,
			v.Name,
			statusStyle(v.Status).Sprint(string(v.Status)),
			v.DeliveryTime.Format("2006-01-02 15:04:05"),
			duration,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		pterm.Error.Println(err)
	}
	pterm.Println()
}

func statusStyle(s lifecycle.Status) *pterm.Style {
	switch s {
	case lifecycle.StatusExecutedSuccess:
		return pterm.NewStyle(pterm.FgGreen)
	case lifecycle.StatusExecutedFailed:
		return pterm.NewStyle(pterm.FgRed)
	case lifecycle.StatusInProgress:
		return pterm.NewStyle(pterm.FgYellow)
	default:
		return pterm.NewStyle(pterm.FgGray)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
