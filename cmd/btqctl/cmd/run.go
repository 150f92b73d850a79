package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/runner"
)

var (
	runFile       string
	runJobID      string
	runCommand    []string
	runBaseConfig string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job of a sweep locally, without a cluster",
	Long: `Run a single job of a sweep as a local process, publishing artifacts
to the configured store. Useful to validate a sweep definition and the
computation before dispatching the full batch.

  btqctl run -f sweep.yaml --job 'sweep-1#seed=1' -- python backtest.py`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		log := getLog()

		sw, err := loadSweepFile(runFile)
		if err != nil {
			return err
		}

		command := runCommand
		if len(args) > 0 {
			command = args
		}
		if len(command) == 0 {
			return fmt.Errorf("no computation command: pass it after -- or via --command")
		}
		if runBaseConfig == "" {
			return fmt.Errorf("--base-config is required for local runs")
		}

		store, err := newArtifactStore(cfg)
		if err != nil {
			return err
		}

		// Match the sweep's first job unless one was named.
		var found bool
		for job := range sw.Jobs() {
			if runJobID != "" && job.ID != runJobID {
				continue
			}
			found = true

			baseDir := cfg.WorkingDir
			if baseDir == "" {
				baseDir, _ = os.Getwd()
			}
			r := runner.NewLocalRunner(store, command, runBaseConfig, log,
				runner.WithBaseDir(baseDir))

			run, err := r.Submit(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "running %s in %s\n", job.ID, run.RunDir)

			run, err = r.Wait(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s", run.Status)
			if run.ExitCode != nil {
				fmt.Fprintf(cmd.OutOrStdout(), " (exit %d)", *run.ExitCode)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if run.Result != nil && run.Result.Checksum != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "stats checksum: %s\n", run.Result.Checksum)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logs: %s\n", filepath.Join(run.RunDir, runner.StdoutFile))
			break
		}
		if !found {
			return fmt.Errorf("job %q is not part of sweep %s", runJobID, sw.ID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "sweep definition (YAML or JSON)")
	runCmd.Flags().StringVar(&runJobID, "job", "", "job ID to run (defaults to the sweep's first job)")
	runCmd.Flags().StringSliceVar(&runCommand, "command", nil, "computation entrypoint")
	runCmd.Flags().StringVar(&runBaseConfig, "base-config", "", "base backtest config JSON to overlay params on")
	rootCmd.AddCommand(runCmd)
}
