package sendesdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robproject/lre-sendes/pkg/types"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConfigInvalid = errors.New("config has not passed validation")
)

type scanner interface {
	Scan(dest ...any) error
}

const configColumns = "id, scan_rate, scan_rate_actual, buffer_size, read_count, ain_all_negative_ch, " +
	"stream_settling_us, stream_resolution_index, is_active, is_valid, error_message"

func scanConfig(row scanner) (*types.AcquisitionConfig, error) {
	var c types.AcquisitionConfig
	err := row.Scan(&c.ID, &c.ScanRate, &c.ScanRateActual, &c.BufferSize, &c.ReadCount,
		&c.AINAllNegativeCh, &c.StreamSettlingUS, &c.StreamResolutionIndex,
		&c.IsActive, &c.IsValid, &c.ErrorMessage)
	if err != nil {
		return nil, notFound(err, "acquisition config")
	}
	return &c, nil
}

const constantsColumns = "id, piston_avg, piston_uncertainty, orifice_avg, orifice_uncertainty, " +
	"rho_avg, rho_uncertainty, pipe_avg, pipe_uncertainty, p1_slope, p1_offset, p2_slope, p2_offset, is_active"

func scanConstants(row scanner) (*types.PhysicalConstants, error) {
	var c types.PhysicalConstants
	err := row.Scan(&c.ID, &c.PistonAvg, &c.PistonUncertainty, &c.OrificeAvg, &c.OrificeUncertainty,
		&c.RhoAvg, &c.RhoUncertainty, &c.PipeAvg, &c.PipeUncertainty,
		&c.P1Slope, &c.P1Offset, &c.P2Slope, &c.P2Offset, &c.IsActive)
	if err != nil {
		return nil, notFound(err, "physical constants")
	}
	return &c, nil
}

const testColumns = "id, run_id, start, finish, duration, scan_rate_actual, window_start, window_finish, " +
	"config_id, constants_id, live, vp1, vp2, vdx, stats_n"

func scanTest(row scanner) (*types.Test, error) {
	var (
		t             types.Test
		start, finish string
		vp1, vp2, vdx string
		n             int
	)
	err := row.Scan(&t.ID, &t.RunID, &start, &finish, &t.Duration, &t.ScanRateActual,
		&t.WindowStart, &t.WindowFinish, &t.ConfigID, &t.ConstantsID, &t.Live,
		&vp1, &vp2, &vdx, &n)
	if err != nil {
		return nil, notFound(err, "test")
	}
	if t.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
		return nil, fmt.Errorf("test %d start: %w", t.ID, err)
	}
	if t.Finish, err = time.Parse(time.RFC3339Nano, finish); err != nil {
		return nil, fmt.Errorf("test %d finish: %w", t.ID, err)
	}
	if vp1 != types.NotAnalyzed {
		stats, err := types.ParseWindowStats(vp1, vp2, vdx)
		if err != nil {
			return nil, fmt.Errorf("test %d stats: %w", t.ID, err)
		}
		stats.N = n
		t.Stats = stats
	}
	return &t, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
