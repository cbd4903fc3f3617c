package sendesdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robproject/lre-sendes/pkg/types"
	"go.uber.org/zap"
)

// CreateConstants inserts c unless a row with the same values exists, and
// returns the stored row either way. created reports whether it was new.
func (s *Store) CreateConstants(ctx context.Context, c types.PhysicalConstants) (*types.PhysicalConstants, bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO physical_constants "+
			"(piston_avg, piston_uncertainty, orifice_avg, orifice_uncertainty, rho_avg, rho_uncertainty, "+
			"pipe_avg, pipe_uncertainty, p1_slope, p1_offset, p2_slope, p2_offset, is_active) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0) ON CONFLICT DO NOTHING",
		c.PistonAvg, c.PistonUncertainty, c.OrificeAvg, c.OrificeUncertainty,
		c.RhoAvg, c.RhoUncertainty, c.PipeAvg, c.PipeUncertainty,
		c.P1Slope, c.P1Offset, c.P2Slope, c.P2Offset,
	)
	if err != nil {
		return nil, false, err
	}
	created, _ := res.RowsAffected()

	k := c.Key()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+constantsColumns+" FROM physical_constants WHERE "+
			"piston_avg = ? AND piston_uncertainty = ? AND orifice_avg = ? AND orifice_uncertainty = ? AND "+
			"rho_avg = ? AND rho_uncertainty = ? AND pipe_avg = ? AND pipe_uncertainty = ? AND "+
			"p1_slope = ? AND p1_offset = ? AND p2_slope = ? AND p2_offset = ?",
		k.PistonAvg, k.PistonUncertainty, k.OrificeAvg, k.OrificeUncertainty,
		k.RhoAvg, k.RhoUncertainty, k.PipeAvg, k.PipeUncertainty,
		k.P1Slope, k.P1Offset, k.P2Slope, k.P2Offset,
	)
	stored, err := scanConstants(row)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

func (s *Store) GetConstants(ctx context.Context, id int64) (*types.PhysicalConstants, error) {
	return scanConstants(s.db.QueryRowContext(ctx,
		"SELECT "+constantsColumns+" FROM physical_constants WHERE id = ?", id))
}

func (s *Store) ActiveConstants(ctx context.Context) (*types.PhysicalConstants, error) {
	return scanConstants(s.db.QueryRowContext(ctx,
		"SELECT "+constantsColumns+" FROM physical_constants WHERE is_active = 1"))
}

func (s *Store) ListConstants(ctx context.Context) ([]types.PhysicalConstants, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+constantsColumns+" FROM physical_constants ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.PhysicalConstants
	for rows.Next() {
		c, err := scanConstants(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ActivateConstants makes id the only active constants row.
func (s *Store) ActivateConstants(ctx context.Context, id int64) error {
	return s.activate(ctx, "physical_constants", id, "")
}

// CreateConfig inserts cfg unless its natural key exists, and returns the
// stored row. New rows start inactive and unvalidated.
func (s *Store) CreateConfig(ctx context.Context, cfg types.AcquisitionConfig) (*types.AcquisitionConfig, bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO acquisition_config "+
			"(scan_rate, scan_rate_actual, buffer_size, read_count, ain_all_negative_ch, "+
			"stream_settling_us, stream_resolution_index, is_active, is_valid, error_message) "+
			"VALUES (?, 0, ?, ?, ?, ?, ?, 0, 0, 'None') ON CONFLICT DO NOTHING",
		cfg.ScanRate, cfg.BufferSize, cfg.ReadCount, cfg.AINAllNegativeCh,
		cfg.StreamSettlingUS, cfg.StreamResolutionIndex,
	)
	if err != nil {
		return nil, false, err
	}
	created, _ := res.RowsAffected()

	k := cfg.Key()
	stored, err := scanConfig(s.db.QueryRowContext(ctx,
		"SELECT "+configColumns+" FROM acquisition_config WHERE "+
			"scan_rate = ? AND read_count = ? AND stream_settling_us = ? AND stream_resolution_index = ?",
		k.ScanRate, k.ReadCount, k.StreamSettlingUS, k.StreamResolutionIndex,
	))
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

func (s *Store) GetConfig(ctx context.Context, id int64) (*types.AcquisitionConfig, error) {
	return scanConfig(s.db.QueryRowContext(ctx,
		"SELECT "+configColumns+" FROM acquisition_config WHERE id = ?", id))
}

func (s *Store) ActiveConfig(ctx context.Context) (*types.AcquisitionConfig, error) {
	return scanConfig(s.db.QueryRowContext(ctx,
		"SELECT "+configColumns+" FROM acquisition_config WHERE is_active = 1"))
}

func (s *Store) ListConfigs(ctx context.Context) ([]types.AcquisitionConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+configColumns+" FROM acquisition_config ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AcquisitionConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateConfigValidation stores the outcome of a dry run.
func (s *Store) UpdateConfigValidation(ctx context.Context, cfg types.AcquisitionConfig) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE acquisition_config SET is_valid = ?, error_message = ?, scan_rate_actual = ? WHERE id = ?",
		cfg.IsValid, cfg.ErrorMessage, cfg.ScanRateActual, cfg.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("acquisition config %d: %w", cfg.ID, ErrNotFound)
	}
	return nil
}

// ActivateConfig makes id the only active config. Only validated configs
// can be activated.
func (s *Store) ActivateConfig(ctx context.Context, id int64) error {
	return s.activate(ctx, "acquisition_config", id, " AND is_valid = 1")
}

func (s *Store) activate(ctx context.Context, table string, id int64, guard string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var valid bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = ?"+guard+")", id).Scan(&valid)
		if err != nil {
			return err
		}
		if !valid {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				"SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = ?)", id).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%s %d: %w", table, id, ErrConfigInvalid)
			}
			return fmt.Errorf("%s %d: %w", table, id, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE "+table+" SET is_active = 0 WHERE is_active = 1 AND id != ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE "+table+" SET is_active = 1 WHERE id = ?", id); err != nil {
			return err
		}
		s.logger.Info("activated", zap.String("table", table), zap.Int64("id", id))
		return nil
	})
}

// InsertTest stores a test with all of its reads and samples in one
// transaction and fills in the generated ids.
func (s *Store) InsertTest(ctx context.Context, t *types.Test) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		vp1, vp2, vdx, n := statsColumns(t.Stats)
		res, err := tx.ExecContext(ctx,
			"INSERT INTO test "+
				"(run_id, start, finish, duration, scan_rate_actual, window_start, window_finish, "+
				"config_id, constants_id, live, vp1, vp2, vdx, stats_n) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			t.RunID, t.Start.Format(time.RFC3339Nano), t.Finish.Format(time.RFC3339Nano),
			t.Duration, t.ScanRateActual, t.WindowStart, t.WindowFinish,
			t.ConfigID, t.ConstantsID, t.Live, vp1, vp2, vdx, n,
		)
		if err != nil {
			return fmt.Errorf("insert test: %w", err)
		}
		testID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		readStmt, err := tx.PrepareContext(ctx,
			"INSERT INTO stream_read (test_id, stream_index, skipped, device_backlog, host_backlog) "+
				"VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer readStmt.Close()
		sampleStmt, err := tx.PrepareContext(ctx,
			"INSERT INTO sample (stream_read_id, channel0, channel1, channel2) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer sampleStmt.Close()

		for i := range t.Reads {
			r := &t.Reads[i]
			res, err := readStmt.ExecContext(ctx, testID, r.Index, r.Skipped, r.DeviceBacklog, r.HostBacklog)
			if err != nil {
				return fmt.Errorf("insert read %d: %w", r.Index, err)
			}
			if r.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			r.TestID = testID
			for j := range r.Samples {
				smp := &r.Samples[j]
				res, err := sampleStmt.ExecContext(ctx, r.ID, smp.Channel0, smp.Channel1, smp.Channel2)
				if err != nil {
					return fmt.Errorf("insert sample %d of read %d: %w", j, r.Index, err)
				}
				if smp.ID, err = res.LastInsertId(); err != nil {
					return err
				}
			}
		}
		t.ID = testID
		return nil
	})
}

// GetTest loads a test with its reads and samples in acquisition order.
func (s *Store) GetTest(ctx context.Context, id int64) (*types.Test, error) {
	t, err := scanTest(s.db.QueryRowContext(ctx, "SELECT "+testColumns+" FROM test WHERE id = ?", id))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, test_id, stream_index, skipped, device_backlog, host_backlog "+
			"FROM stream_read WHERE test_id = ? ORDER BY stream_index", id)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]int)
	for rows.Next() {
		var r types.StreamRead
		if err := rows.Scan(&r.ID, &r.TestID, &r.Index, &r.Skipped, &r.DeviceBacklog, &r.HostBacklog); err != nil {
			rows.Close()
			return nil, err
		}
		index[r.ID] = len(t.Reads)
		t.Reads = append(t.Reads, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		"SELECT s.id, s.stream_read_id, s.channel0, s.channel1, s.channel2 FROM sample s "+
			"JOIN stream_read r ON r.id = s.stream_read_id WHERE r.test_id = ? ORDER BY r.stream_index, s.id", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			smp    types.Sample
			readID int64
		)
		if err := rows.Scan(&smp.ID, &readID, &smp.Channel0, &smp.Channel1, &smp.Channel2); err != nil {
			return nil, err
		}
		i, ok := index[readID]
		if !ok {
			return nil, fmt.Errorf("sample %d belongs to unknown read %d", smp.ID, readID)
		}
		t.Reads[i].Samples = append(t.Reads[i].Samples, smp)
	}
	return t, rows.Err()
}

// ListTests returns tests without their reads, newest first.
func (s *Store) ListTests(ctx context.Context) ([]types.Test, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+testColumns+" FROM test ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) SampleCount(ctx context.Context, testID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sample s JOIN stream_read r ON r.id = s.stream_read_id WHERE r.test_id = ?",
		testID).Scan(&n)
	return n, err
}

func (s *Store) SaveWindowStats(ctx context.Context, testID int64, stats *types.WindowStats) error {
	vp1, vp2, vdx, n := statsColumns(stats)
	res, err := s.db.ExecContext(ctx,
		"UPDATE test SET vp1 = ?, vp2 = ?, vdx = ?, stats_n = ? WHERE id = ?",
		vp1, vp2, vdx, n, testID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("test %d: %w", testID, ErrNotFound)
	}
	return nil
}

// SetWindow moves the window and replaces the stats together, after
// checking the bounds against the stored sample count.
func (s *Store) SetWindow(ctx context.Context, testID int64, start, finish int, stats *types.WindowStats) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var total int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sample s JOIN stream_read r ON r.id = s.stream_read_id WHERE r.test_id = ?",
			testID).Scan(&total)
		if err != nil {
			return err
		}
		if err := types.CheckWindow(start, finish, total); err != nil {
			return err
		}

		vp1, vp2, vdx, n := statsColumns(stats)
		res, err := tx.ExecContext(ctx,
			"UPDATE test SET window_start = ?, window_finish = ?, vp1 = ?, vp2 = ?, vdx = ?, stats_n = ? WHERE id = ?",
			start, finish, vp1, vp2, vdx, n, testID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("test %d: %w", testID, ErrNotFound)
		}
		return nil
	})
}

func statsColumns(stats *types.WindowStats) (vp1, vp2, vdx string, n int) {
	if stats == nil {
		return types.NotAnalyzed, types.NotAnalyzed, types.NotAnalyzed, 0
	}
	return stats.VP1.String(), stats.VP2.String(), stats.VDX.String(), stats.N
}
