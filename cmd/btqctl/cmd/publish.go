package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/image"
	"github.com/quantfold/btq/pkg/registry"
)

var publishRef string

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Push a built runtime image to the registry",
	Long: `Push an already-built image to the registry. Publishing is idempotent:
if the tag is already present remotely nothing is pushed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		log := getLog()

		if publishRef == "" {
			return fmt.Errorf("--image is required (output of btqctl build)")
		}
		repo, tag, err := image.ParseRef(publishRef)
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
		if err := publisher.Publish(cmd.Context(), image.RuntimeImage{Repo: repo, Tag: tag}); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", publishRef)
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishRef, "image", "", "full image reference to publish")
	rootCmd.AddCommand(publishCmd)
}
