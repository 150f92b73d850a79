package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/pin"
)

var resolveRef string

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the configured source ref to an immutable commit pin",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		ref := resolveRef
		if ref == "" {
			ref = cfg.SourceRef
		}

		resolver := &pin.Resolver{}
		p, err := resolver.Resolve(cmd.Context(), cfg.SourceRepo, ref)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "repo:   %s\n", p.Repo)
		fmt.Fprintf(cmd.OutOrStdout(), "ref:    %s\n", ref)
		fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", p.Commit)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveRef, "ref", "", "ref to resolve (defaults to sourceRef from config)")
	rootCmd.AddCommand(resolveCmd)
}
