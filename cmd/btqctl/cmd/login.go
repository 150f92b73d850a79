package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/btcfg"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the registry password in the OS keyring",
	Long: `Store the registry push credential in the OS keyring. The password is
read from stdin so it never appears in shell history or process listings.

  echo "$REGISTRY_TOKEN" | btqctl login`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.RegistryHost == "" || cfg.RegistryUser == "" {
			return fmt.Errorf("registryHost and registryUser must be configured before login")
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s@%s: ", cfg.RegistryUser, cfg.RegistryHost)
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(password, "\r\n")
		if password == "" {
			return fmt.Errorf("empty password")
		}

		if err := btcfg.SaveRegistryPassword(cfg.RegistryHost, cfg.RegistryUser, password); err != nil {
			return fmt.Errorf("saving credential: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credential stored for %s@%s\n", cfg.RegistryUser, cfg.RegistryHost)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored registry password",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		if err := btcfg.DeleteRegistryPassword(cfg.RegistryHost, cfg.RegistryUser); err != nil {
			return fmt.Errorf("removing credential: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credential removed for %s@%s\n", cfg.RegistryUser, cfg.RegistryHost)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
