package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/sym"
)

// SubmitCmd hands a patch record to a domain's spool
var SubmitCmd = &cobra.Command{
	Use:   "submit <domain> <file>",
	Short: sym.Spool + " Hand a patch record to the spool",
	Long: sym.Spool + ` Hand a patch record to a domain's spool.

The record is registered with the watchdog before it is written, so a lost
hand-off is retried and eventually escalated. With the sqlite registry the
running daemon picks up the registration on its next start; with --admit the
spool is scanned immediately and the hand-off confirmed in this process.

Examples:
  patchspool submit domainA fix.json
  patchspool submit domainB build.json --name 0042-build.json --admit`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

func init() {
	SubmitCmd.Flags().String("name", "", "Record name in the spool (default: the file's base name)")
	SubmitCmd.Flags().Bool("admit", false, "Run an admission scan of the domain right after the hand-off")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	domain, file := args[0], args[1]
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = filepath.Base(file)
	}
	admit, _ := cmd.Flags().GetBool("admit")

	payload, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", file)
	}

	d, err := openPipeline()
	if err != nil {
		return err
	}
	defer d.Stop()

	ctx := context.Background()
	id, err := d.Handoff.Submit(ctx, domain, name, payload)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Handed off %s/%s (registration %s)", domain, name, id)

	if !admit {
		return nil
	}
	result, err := d.Validator.Scan(ctx, domain)
	if err != nil {
		return err
	}
	for _, promoted := range result.Promoted {
		pterm.Info.Printfln("Promoted %s to queue", promoted)
	}
	for _, rejected := range result.Rejected {
		pterm.Warning.Printfln("Rejected %s: %s (%s)", rejected.SourceName, rejected.ReasonCode, rejected.Message)
	}
	if len(result.Deferred) > 0 {
		pterm.Info.Printfln("Deferred (name collision with a queued record): %v", result.Deferred)
	}
	return nil
}
