package main

import (
	"fmt"

	"github.com/robproject/lre-sendes/pkg/acquisition"
	"github.com/robproject/lre-sendes/pkg/analysis"
	"github.com/robproject/lre-sendes/pkg/sampledata"
	"github.com/robproject/lre-sendes/pkg/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	live bool

	scanRate        int
	readCount       int
	settlingUS      int
	resolutionIndex int
)

func init() {
	runCmd.Flags().BoolVar(&live, "live", true, "actuate the valve during the run")
	rootCmd.AddCommand(runCmd)

	validateCmd.Flags().IntVar(&scanRate, "scan-rate", 267, "requested scan rate in Hz")
	validateCmd.Flags().IntVar(&readCount, "read-count", 5, "number of stream reads")
	validateCmd.Flags().IntVar(&settlingUS, "settling-us", 0, "stream settling time in microseconds")
	validateCmd.Flags().IntVar(&resolutionIndex, "resolution-index", types.MaxResolutionIndex, "stream resolution index")
	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(seedCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Record a test with the active config and constants",
	Long: `Record a test with the active acquisition config and physical constants.

Examples:
  # Live run, opening the valve
  sendes run

  # Dry run against the simulated device
  sendes run --live=false --simulate`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Dry-run an acquisition config and activate it if it keeps up",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill an empty database with sample constants, config and a simulated test",
	Args:  cobra.NoArgs,
	RunE:  runSeed,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.store.ActiveConfig(ctx)
	if err != nil {
		return fmt.Errorf("active config: %w", err)
	}
	constants, err := a.store.ActiveConstants(ctx)
	if err != nil {
		return fmt.Errorf("active constants: %w", err)
	}

	test, err := a.controller(acquisition.LogProgress{Logger: a.logger}).Run(ctx, *cfg, constants.ID, live)
	if err != nil {
		return err
	}
	if err := a.store.InsertTest(ctx, test); err != nil {
		return err
	}

	test, err = analysis.NewAnalyzer(a.store, a.logger).Analyze(ctx, test.ID)
	if err != nil {
		a.logger.Warn("test stored but not analyzed", zap.Error(err))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "test %d: window [%d, %d) vp1=%s vp2=%s vdx=%s\n",
		test.ID, test.WindowStart, test.WindowFinish, test.Stats.VP1, test.Stats.VP2, test.Stats.VDX)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := types.NewAcquisitionConfig(scanRate, readCount, settlingUS, resolutionIndex)
	if err := cfg.Validate(); err != nil {
		return err
	}
	stored, _, err := a.store.CreateConfig(ctx, cfg)
	if err != nil {
		return err
	}

	validated, err := a.controller(acquisition.LogProgress{Logger: a.logger}).ValidateConfig(ctx, *stored)
	if err != nil {
		return err
	}
	if err := a.store.UpdateConfigValidation(ctx, validated); err != nil {
		return err
	}
	if !validated.IsValid {
		return fmt.Errorf("config %d is not valid: %s", validated.ID, validated.ErrorMessage)
	}
	if err := a.store.ActivateConfig(ctx, validated.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config %d valid and active, scan rate %g Hz\n",
		validated.ID, validated.ScanRateActual)
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	test, err := sampledata.Seed(ctx, a.store, a.cfg.SimOptions(), a.cfg.AcquisitionOptions(), a.logger)
	if err != nil {
		return err
	}
	if test == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "database already seeded")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded test %d\n", test.ID)
	return nil
}
