package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantfold/btq/pkg/k8s"
	"github.com/quantfold/btq/pkg/provision"
)

var provisionMaterialFile string

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the registry pull credential into the execution namespace",
	Long: `Apply the registry pull credential as an image pull secret in the
execution namespace. Re-applying identical material is a no-op; changed
material updates the secret in place. With --dockerconfig the material is
read from a docker config JSON file, otherwise it is derived from the
configured registry credential.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		log := getLog()

		var material []byte
		if provisionMaterialFile != "" {
			material, err = os.ReadFile(provisionMaterialFile)
			if err != nil {
				return fmt.Errorf("reading docker config: %w", err)
			}
		} else {
			creds, err := registryCredentials(cfg)
			if err != nil {
				return err
			}
			material, err = provision.MaterialFromCredentials(cfg.RegistryHost, creds.Username, creds.Password)
			if err != nil {
				return err
			}
		}

		client, err := k8s.NewClient("")
		if err != nil {
			return fmt.Errorf("creating k8s client: %w", err)
		}
		p := provision.NewProvisioner(client, cfg.PullSecretName, log)
		if err := p.Apply(cmd.Context(), cfg.Namespace, material); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "pull secret %s provisioned in namespace %s\n",
			cfg.PullSecretName, cfg.Namespace)
		return nil
	},
}

var provisionCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the execution namespace is provisioned",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		client, err := k8s.NewClient("")
		if err != nil {
			return fmt.Errorf("creating k8s client: %w", err)
		}
		p := provision.NewProvisioner(client, cfg.PullSecretName, getLog())
		if err := p.Check(cmd.Context(), cfg.Namespace); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "namespace %s is provisioned\n", cfg.Namespace)
		return nil
	},
}

func init() {
	provisionCmd.Flags().StringVar(&provisionMaterialFile, "dockerconfig", "", "docker config JSON file to provision")
	provisionCmd.AddCommand(provisionCheckCmd)
	rootCmd.AddCommand(provisionCmd)
}
