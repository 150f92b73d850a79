package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/dispatch"
	"github.com/quantfold/btq/pkg/k8s"
	"github.com/quantfold/btq/pkg/provision"
)

var (
	sweepFile  string
	sweepImage string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Dispatch and inspect parameter sweeps",
}

var sweepSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Dispatch a sweep against an already-published image",
	Long: `Expand the sweep definition and submit its jobs. Submission is
idempotent: re-running the same sweep only submits jobs that were never
accepted, so a partially failed dispatch is resumed by running it again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		log := getLog()

		sw, err := loadSweepFile(sweepFile)
		if err != nil {
			return err
		}
		if sweepImage != "" {
			sw.Image = sweepImage
		}
		if sw.Image == "" {
			return fmt.Errorf("sweep has no image; set image: in the file or pass --image")
		}

		client, err := k8s.NewClient("")
		if err != nil {
			return fmt.Errorf("creating k8s client: %w", err)
		}
		p := provision.NewProvisioner(client, cfg.PullSecretName, log)
		if err := p.Check(cmd.Context(), cfg.Namespace); err != nil {
			return fmt.Errorf("pull access not provisioned (run btqctl provision): %w", err)
		}

		ledger, err := newLedger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		d, err := newDispatcher(cfg, ledger, log)
		if err != nil {
			return err
		}

		accepted, err := d.Submit(cmd.Context(), sw)
		var subErr *dispatch.SubmissionError
		if errors.As(err, &subErr) {
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %d job(s), %d rejected:\n",
				len(accepted), len(subErr.Rejected))
			for id, jobErr := range subErr.Rejected {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", id, jobErr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "re-run the same command to retry the rejected jobs")
			return err
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: accepted %d job(s)\n", sw.ID, len(accepted))
		return nil
	},
}

var sweepExpandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Print the jobs a sweep definition expands to, without submitting",
	RunE: func(cmd *cobra.Command, args []string) error {
		sw, err := loadSweepFile(sweepFile)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: %d job(s)\n", sw.ID, sw.Count())
		for job := range sw.Jobs() {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", job.ID)
		}
		return nil
	},
}

var sweepCancelCmd = &cobra.Command{
	Use:   "cancel <sweep-id>",
	Short: "Cancel a sweep and delete its pending jobs",
	Long: `Mark the sweep cancelled and delete its scheduler objects. Results
already produced stay in the artifact store; late results from in-flight
jobs are recorded and ignored by collection.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		if err := confirmSweepID(args[0]); err != nil {
			return err
		}

		ledger, err := newLedger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		d, err := newDispatcher(cfg, ledger, getLog())
		if err != nil {
			return err
		}
		if err := d.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sweep %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	sweepCmd.PersistentFlags().StringVarP(&sweepFile, "file", "f", "", "sweep definition (YAML or JSON)")
	sweepSubmitCmd.Flags().StringVar(&sweepImage, "image", "", "image reference to run (overrides the sweep file)")
	sweepCmd.AddCommand(sweepSubmitCmd)
	sweepCmd.AddCommand(sweepExpandCmd)
	sweepCmd.AddCommand(sweepCancelCmd)
	rootCmd.AddCommand(sweepCmd)
}
