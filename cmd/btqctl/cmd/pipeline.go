package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/image"
	"github.com/quantfold/btq/pkg/k8s"
	"github.com/quantfold/btq/pkg/pin"
	"github.com/quantfold/btq/pkg/pipeline"
	"github.com/quantfold/btq/pkg/provision"
	"github.com/quantfold/btq/pkg/registry"
)

var pipelineFile string

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run the full launch: resolve, build, publish, dispatch",
	Long: `Run a sweep launch end to end: pin the source ref, build the
deterministic runtime image, verify the namespace is provisioned, push
the image, and dispatch the sweep against it. Every stage is idempotent,
so a failed launch is resumed by running the same command again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		log := getLog()

		sw, err := loadSweepFile(pipelineFile)
		if err != nil {
			return err
		}

		builder, err := image.NewBuilder(log)
		if err != nil {
			return err
		}
		creds, err := registryCredentials(cfg)
		if err != nil {
			return err
		}
		publisher, err := registry.NewPublisher(creds, log)
		if err != nil {
			return err
		}
		client, err := k8s.NewClient("")
		if err != nil {
			return fmt.Errorf("creating k8s client: %w", err)
		}
		ledger, err := newLedger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		dispatcher, err := newDispatcher(cfg, ledger, log)
		if err != nil {
			return err
		}

		p := &pipeline.Pipeline{
			Resolver:    &pin.Resolver{},
			Builder:     builder,
			Publisher:   publisher,
			Provisioner: provision.NewProvisioner(client, cfg.PullSecretName, log),
			Dispatcher:  dispatcher,
			Log:         log,
			SourceRepo:  cfg.SourceRepo,
			SourceRef:   cfg.SourceRef,
			Namespace:   cfg.Namespace,
			Build: image.BuildOptions{
				Repo:       cfg.ImageRepo(),
				ContextDir: cfg.BuildContext,
				Dockerfile: cfg.Dockerfile,
			},
		}

		out, err := p.Run(cmd.Context(), sw)
		if err != nil {
			if bterr.Fatal(err) {
				fmt.Fprintf(cmd.ErrOrStderr(), "launch failed in phase %s\n", out.Phase)
				return err
			}
			// Partial dispatch: report and let a re-run finish the sweep.
			fmt.Fprintf(cmd.OutOrStdout(), "sweep %s partially dispatched (%d accepted); re-run to retry\n",
				sw.ID, len(out.Accepted))
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", shortCommit(out.Pin.Commit))
		fmt.Fprintf(cmd.OutOrStdout(), "image:  %s\n", out.Image.Ref())
		fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: accepted %d job(s)\n", sw.ID, len(out.Accepted))
		return nil
	},
}

func init() {
	pipelineCmd.Flags().StringVarP(&pipelineFile, "file", "f", "", "sweep definition (YAML or JSON)")
	rootCmd.AddCommand(pipelineCmd)
}
