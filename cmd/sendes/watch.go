package main

import (
	"github.com/robproject/lre-sendes/pkg/config"
	"github.com/robproject/lre-sendes/pkg/logging"
	"github.com/robproject/lre-sendes/pkg/monitor"
	"github.com/spf13/cobra"
)

var watchHost string

func init() {
	watchCmd.Flags().StringVar(&watchHost, "host", "", "server host:port (default from config)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow runs on a serving test stand",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

// runWatch only needs the config, not the database or device.
func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	host := cfg.Monitor.APIHost
	if watchHost != "" {
		host = watchHost
	}
	return monitor.NewListener(host, cfg.Monitor.TLSEnabled, logger).Listen(ctx, monitor.Printer(logger))
}
