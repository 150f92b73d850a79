package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/image"
	"github.com/quantfold/btq/pkg/pin"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the deterministic runtime image for the pinned source",
	Long: `Resolve the configured ref and build the runtime image. The tag is
derived from the pinned commit and the hash of the build context, so
rebuilding unchanged inputs is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		log := getLog()

		resolver := &pin.Resolver{}
		p, err := resolver.Resolve(cmd.Context(), cfg.SourceRepo, cfg.SourceRef)
		if err != nil {
			return err
		}
		log.Info("ref resolved", "commit", shortCommit(p.Commit))

		builder, err := image.NewBuilder(log)
		if err != nil {
			return err
		}
		img, err := builder.Build(cmd.Context(), p, image.BuildOptions{
			Repo:       cfg.ImageRepo(),
			ContextDir: cfg.BuildContext,
			Dockerfile: cfg.Dockerfile,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "image:  %s\n", img.Ref())
		if img.Digest != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "digest: %s\n", img.Digest)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
