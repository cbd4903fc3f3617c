// Package sampledata fills an empty database with a sample test recorded
// against the simulated device.
package sampledata

import (
	"context"
	"fmt"

	"github.com/robproject/lre-sendes/pkg/acquisition"
	"github.com/robproject/lre-sendes/pkg/analysis"
	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/logging"
	"github.com/robproject/lre-sendes/pkg/sendesdb"
	"github.com/robproject/lre-sendes/pkg/types"
	"go.uber.org/zap"
)

// Seed stores the sample constants, a validated sample config and one
// test recorded through a fresh simulated device. The configured driver is
// never used, so seeding cannot actuate a real valve. It does nothing when
// a test already exists.
func Seed(ctx context.Context, store *sendesdb.Store, sim device.SimOptions, opts acquisition.Options, logger *zap.Logger) (*types.Test, error) {
	logger = logging.OrNop(logger)

	tests, err := store.ListTests(ctx)
	if err != nil {
		return nil, err
	}
	if len(tests) > 0 {
		logger.Info("database already holds tests, not seeding", zap.Int("tests", len(tests)))
		return nil, nil
	}

	ctrl := acquisition.NewController(device.NewSimulated(sim), opts, logger, acquisition.LogProgress{Logger: logger})

	constants, _, err := store.CreateConstants(ctx, types.SampleConstants())
	if err != nil {
		return nil, fmt.Errorf("seed constants: %w", err)
	}
	if err := store.ActivateConstants(ctx, constants.ID); err != nil {
		return nil, err
	}

	cfg, _, err := store.CreateConfig(ctx, types.SampleConfig())
	if err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	validated, err := ctrl.ValidateConfig(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	if err := store.UpdateConfigValidation(ctx, validated); err != nil {
		return nil, err
	}
	if !validated.IsValid {
		return nil, fmt.Errorf("seed config %d: %w: %s", cfg.ID, sendesdb.ErrConfigInvalid, validated.ErrorMessage)
	}
	if err := store.ActivateConfig(ctx, cfg.ID); err != nil {
		return nil, err
	}

	test, err := ctrl.Run(ctx, validated, constants.ID, true)
	if err != nil {
		return nil, fmt.Errorf("seed test: %w", err)
	}
	if err := store.InsertTest(ctx, test); err != nil {
		return nil, err
	}
	test, err = analysis.NewAnalyzer(store, logger).Analyze(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("seed analysis: %w", err)
	}
	logger.Info("seeded sample data", zap.Int64("test_id", test.ID),
		zap.Int64("config_id", cfg.ID), zap.Int64("constants_id", constants.ID))
	return test, nil
}
