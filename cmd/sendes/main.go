// Command sendes drives the discharge-coefficient test stand: it records
// tests, analyzes them and serves the results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robproject/lre-sendes/pkg/acquisition"
	"github.com/robproject/lre-sendes/pkg/config"
	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/device/serialdev"
	"github.com/robproject/lre-sendes/pkg/logging"
	"github.com/robproject/lre-sendes/pkg/pathing"
	"github.com/robproject/lre-sendes/pkg/sendesdb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	simulate   bool
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sendes",
	Short: "Discharge coefficient test stand",
	Long: `sendes streams pressure and piston position from the acquisition device,
stores each run as a test and computes the orifice discharge coefficient
with propagated uncertainty.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+pathing.GetConfigPath()+")")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use the simulated device regardless of config")
}

// app holds what every command needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *sendesdb.Store
	driver device.Driver
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if simulate {
		cfg.Device.Driver = config.DriverSimulated
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	if err := pathing.EnsureDirs(cfg.Paths.DataDir, pathing.GetPlotDir(cfg.Paths.DataDir)); err != nil {
		return nil, err
	}
	store, err := sendesdb.Open(ctx, pathing.GetDbPath(cfg.Paths.DataDir), logger)
	if err != nil {
		return nil, err
	}

	var driver device.Driver
	switch cfg.Device.Driver {
	case config.DriverSerial:
		driver = serialdev.New(cfg.Device.SerialDevice, cfg.Device.Baudrate, logger)
	default:
		driver = device.NewSimulated(cfg.SimOptions())
	}
	logger.Debug("app ready", zap.String("driver", cfg.Device.Driver), zap.String("data_dir", cfg.Paths.DataDir))
	return &app{cfg: cfg, logger: logger, store: store, driver: driver}, nil
}

func (a *app) controller(progress acquisition.Progress) *acquisition.Controller {
	return acquisition.NewController(a.driver, a.cfg.AcquisitionOptions(), a.logger, progress)
}

func (a *app) Close() {
	a.store.Close()
	a.logger.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
