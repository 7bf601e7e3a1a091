package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/patchspool/admission"
	"github.com/teranos/patchspool/engine"
	"github.com/teranos/patchspool/sym"
)

// AdmitCmd runs one admission scan
var AdmitCmd = &cobra.Command{
	Use:   "admit [domain]",
	Short: sym.Admission + " Run one admission scan",
	Long: sym.Admission + ` Scan the spool of one domain, or of every domain, once.

Valid records are promoted to the queue stamped with their arrival order;
invalid ones are moved to rejected with a rejection report.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAdmit,
}

// RunCmd runs one engine cycle
var RunCmd = &cobra.Command{
	Use:   "run [domain]",
	Short: sym.Engine + " Run one engine cycle",
	Long: sym.Engine + ` Drain the queue of one domain, or of every domain, once.

Each queued patch runs its stages in order inside the domain workspace and
lands in completed or failed with a result and a summary.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEngine,
}

func init() {
	RunCmd.Flags().Bool("run-disabled", false, "Also execute patches marked disabledByDefault")
}

func runAdmit(cmd *cobra.Command, args []string) error {
	d, err := openPipeline()
	if err != nil {
		return err
	}
	defer d.Stop()

	ctx := context.Background()
	results := map[string]*admission.ScanResult{}
	if len(args) == 1 {
		result, err := d.Validator.Scan(ctx, args[0])
		if err != nil {
			return err
		}
		results[args[0]] = result
	} else if results, err = d.Validator.ScanAll(ctx); err != nil {
		return err
	}

	for _, domain := range d.Store.Domains() {
		result, ok := results[domain]
		if !ok {
			continue
		}
		pterm.Info.Printfln("%s: %d promoted, %d rejected, %d deferred",
			domain, len(result.Promoted), len(result.Rejected), len(result.Deferred))
		for _, rejected := range result.Rejected {
			pterm.Warning.Printfln("  %s: %s", rejected.SourceName, rejected.Message)
		}
	}
	return nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	d, err := openPipeline()
	if err != nil {
		return err
	}
	defer d.Stop()
	if runDisabled, _ := cmd.Flags().GetBool("run-disabled"); runDisabled {
		d.Engine.SetRunDisabled(true)
	}

	domains := d.Store.Domains()
	if len(args) == 1 {
		domains = args[:1]
	}

	ctx := context.Background()
	for _, domain := range domains {
		cycle, err := d.Engine.RunDomain(ctx, domain)
		if err != nil {
			return err
		}
		printCycle(cycle)
	}
	return nil
}

func printCycle(cycle *engine.DomainCycle) {
	if len(cycle.Results) == 0 && len(cycle.Skipped) == 0 {
		pterm.Info.Printfln("%s: queue empty", cycle.Domain)
		return
	}
	for _, res := range cycle.Results {
		if res.Succeeded() {
			pterm.Success.Printfln("%s: %s completed (%s)", cycle.Domain, res.PatchID, res.SucceededStage)
		} else {
			pterm.Error.Printfln("%s: %s failed at %s: %s", cycle.Domain, res.PatchID, res.FailedStage, res.Error)
		}
	}
	for _, name := range cycle.Skipped {
		pterm.Warning.Printfln("%s: %s is disabled by default, left queued", cycle.Domain, name)
	}
}
