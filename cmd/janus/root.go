package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "janus",
	Short: "Janus - event-loop service proxy",
	Long: `Janus is an L4/L7 service proxy built on an event-loop worker model.

It terminates HTTP/1 on its listeners, matches requests against a virtual
host route table, and forwards them to upstream clusters with retries,
shadowing, circuit breaking, and passive outlier detection. Cluster
membership and outlier state live on the main thread; each worker owns its
own load balancers and connection pools over shared host sets.`,
	Version: Version,
}

// Execute runs the root command. Any error exits with status 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config-path", "c", "janus.yaml", "configuration file path")
}
