package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/btcfg"
	"github.com/quantfold/btq/pkg/btlog"
)

type contextKey string

const configContextKey contextKey = "btqconfig"

var (
	cfgFile string
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "btqctl",
		Short: "CLI for the btq backtest pipeline (pin, build, publish, dispatch, collect)",
		Long: `btqctl drives the btq pipeline: pin a strategy repo ref to a commit,
build the deterministic runtime image, publish it, dispatch a parameter
sweep against it, and collect the results. Each stage is also exposed as
its own subcommand so a launch can be inspected or resumed step by step.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := btcfg.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			if err := cfg.Viper().BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			ctx := context.WithValue(cmd.Context(), configContextKey, cfg)
			cmd.SetContext(ctx)

			return nil
		},
	}
)

// GetConfig retrieves the Config from the command context
func GetConfig(cmd *cobra.Command) (*btcfg.Config, error) {
	ctx := cmd.Context()
	cfg, ok := ctx.Value(configContextKey).(*btcfg.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

func getLog() *btlog.Logger {
	if verbose {
		return btlog.NewVerbose()
	}
	return btlog.NewDefault()
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML). Searches: btq.yaml, .btq/config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
