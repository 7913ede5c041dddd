package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/janus/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and validate a configuration file without starting the proxy.

Every problem is reported with its dotted field path, so a single run shows
all errors at once.

Examples:
  # Validate the default config
  janus validate

  # Validate a specific file
  janus validate --config-path /etc/janus/janus.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		fmt.Printf("configuration OK: %d listeners, %d virtual hosts, %d clusters\n",
			len(cfg.Listeners), len(cfg.Routes.VirtualHosts), len(cfg.Clusters))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
