package cmd

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/collect"
)

var (
	collectFile string
	collectWait time.Duration
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect a sweep's results from the artifact store",
	Long: `Reconcile a dispatched sweep against the artifact store. Waits up to
--wait for missing results, resubmits errored jobs a bounded number of
times, and verifies result determinism across attempts. A sweep that has
not fully reported comes back incomplete; re-run to pick up stragglers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		log := getLog()

		sw, err := loadSweepFile(collectFile)
		if err != nil {
			return err
		}

		store, err := newArtifactStore(cfg)
		if err != nil {
			return err
		}
		ledger, err := newLedger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		d, err := newDispatcher(cfg, ledger, log)
		if err != nil {
			return err
		}

		var rec collect.Ledger
		if ledger != nil {
			rec = ledger
		}
		c := collect.NewCollector(store, d, rec, log, cfg.MaxResubmits)
		report, err := c.Collect(cmd.Context(), sw, collectWait)

		printReport(cmd, report)

		var inc *collect.IncompleteError
		if errors.As(err, &inc) {
			fmt.Fprintf(cmd.OutOrStdout(), "missing %d job(s):\n", len(inc.Missing))
			for _, id := range inc.Missing {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
			}
			return err
		}
		if bterr.IsCode(err, bterr.CodeDeterminismViolation) {
			fmt.Fprintln(cmd.ErrOrStderr(), "determinism violation: results cannot be trusted")
			return err
		}
		return err
	},
}

func printReport(cmd *cobra.Command, report *collect.Report) {
	if report == nil {
		return
	}
	ids := make([]string, 0, len(report.Results))
	for id := range report.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res := report.Results[id]
		line := fmt.Sprintf("  %-40s %s", id, res.Status)
		if res.Checksum != "" {
			line += " " + res.Checksum[:12]
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	if report.Cancelled {
		fmt.Fprintf(cmd.OutOrStdout(), "sweep %s was cancelled; %d late result(s) recorded\n",
			report.SweepID, len(report.Results))
	}
}

func init() {
	collectCmd.Flags().StringVarP(&collectFile, "file", "f", "", "sweep definition (YAML or JSON)")
	collectCmd.Flags().DurationVar(&collectWait, "wait", 5*time.Minute, "how long to wait for missing results")
	rootCmd.AddCommand(collectCmd)
}
