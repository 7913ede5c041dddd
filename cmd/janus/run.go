package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/janus/pkg/config"
	"mercator-hq/janus/pkg/server"
)

var runFlags struct {
	concurrency     int
	restartEpoch    int
	logLevel        string
	serviceCluster  string
	serviceNode     string
	serviceZone     string
	fileFlushMsec   int
	drainTimeS      int
	parentShutdownS int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the proxy with the specified configuration.

The server binds every configured listener on each worker, serves until it
receives SIGINT or SIGTERM, then drains: listeners close immediately and
responses carry "connection: close" until the drain window ends.

Examples:
  # Start with a configuration file
  janus run --config-path /etc/janus/janus.yaml

  # Pin the worker count and identify the node
  janus run -c janus.yaml --concurrency 4 --service-cluster front-proxy --service-node i-04fd2e

  # Shorten the drain window for local development
  janus run -c janus.yaml --drain-time-s 5`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runFlags.concurrency, "concurrency", 0, "number of worker threads, 0 means one per CPU")
	runCmd.Flags().IntVar(&runFlags.restartEpoch, "restart-epoch", 0, "hot restart epoch")
	runCmd.Flags().StringVarP(&runFlags.logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&runFlags.serviceCluster, "service-cluster", "", "cluster name this node belongs to")
	runCmd.Flags().StringVar(&runFlags.serviceNode, "service-node", "", "node identifier")
	runCmd.Flags().StringVar(&runFlags.serviceZone, "service-zone", "", "zone this node runs in, enables zone-aware routing")
	runCmd.Flags().IntVar(&runFlags.fileFlushMsec, "file-flush-interval-msec", 0, "override access log flush interval")
	runCmd.Flags().IntVar(&runFlags.drainTimeS, "drain-time-s", 600, "drain window in seconds")
	runCmd.Flags().IntVar(&runFlags.parentShutdownS, "parent-shutdown-time-s", 900, "shutdown bound in seconds during hot restart")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	opts := server.Options{
		Concurrency:        runFlags.concurrency,
		ServiceCluster:     runFlags.serviceCluster,
		ServiceNode:        runFlags.serviceNode,
		ServiceZone:        runFlags.serviceZone,
		LogLevel:           runFlags.logLevel,
		RestartEpoch:       runFlags.restartEpoch,
		DrainTime:          time.Duration(runFlags.drainTimeS) * time.Second,
		ParentShutdownTime: time.Duration(runFlags.parentShutdownS) * time.Second,
	}
	if runFlags.fileFlushMsec > 0 {
		opts.FileFlushInterval = time.Duration(runFlags.fileFlushMsec) * time.Millisecond
	}

	srv, err := server.New(cfg, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
