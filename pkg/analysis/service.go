// Package analysis reduces the scans inside a test's analysis window to
// uncertain voltage statistics.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/robproject/lre-sendes/pkg/logging"
	"github.com/robproject/lre-sendes/pkg/metrics"
	"github.com/robproject/lre-sendes/pkg/types"
	"github.com/robproject/lre-sendes/pkg/uncertain"
	"github.com/robproject/lre-sendes/pkg/units"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrWindowTooSmall = errors.New("analysis window too small")
	ErrInvalidWindow  = types.ErrInvalidWindow
)

// Compute returns the population mean and standard deviation of the P1 and
// P2 voltages over the window, and of the per-scan change of the piston
// voltage. Dropped scans are left out; a piston change is only taken between
// two adjacent kept scans.
func Compute(test *types.Test) (*types.WindowStats, error) {
	samples := test.Samples()
	if err := types.CheckWindow(test.WindowStart, test.WindowFinish, len(samples)); err != nil {
		return nil, err
	}

	n := test.WindowFinish - test.WindowStart
	p1 := make([]float64, 0, n)
	p2 := make([]float64, 0, n)
	dx := make([]float64, 0, n)
	var prev float64
	havePrev := false
	for _, s := range samples[test.WindowStart:test.WindowFinish] {
		if s.Skipped() {
			havePrev = false
			continue
		}
		p1 = append(p1, s.Channel0)
		p2 = append(p2, s.Channel1)
		if havePrev {
			dx = append(dx, s.Channel2-prev)
		}
		prev = s.Channel2
		havePrev = true
	}

	if len(p1) < 2 || len(dx) == 0 {
		return nil, fmt.Errorf("%w: window [%d, %d) has %d usable scans and %d piston steps, need at least 2 adjacent scans",
			ErrWindowTooSmall, test.WindowStart, test.WindowFinish, len(p1), len(dx))
	}

	return &types.WindowStats{
		VP1: meanStd("vp1", p1),
		VP2: meanStd("vp2", p2),
		VDX: meanStd("vdx", dx),
		N:   len(p1),
	}, nil
}

func meanStd(name string, x []float64) uncertain.Quantity {
	mean, std := stat.PopMeanStdDev(x, nil)
	return uncertain.New(name, mean, std, units.Volt)
}

// Store is the persistence the Analyzer needs.
type Store interface {
	GetTest(ctx context.Context, id int64) (*types.Test, error)
	SaveWindowStats(ctx context.Context, testID int64, stats *types.WindowStats) error
	SetWindow(ctx context.Context, testID int64, start, finish int, stats *types.WindowStats) error
}

type Analyzer struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAnalyzer(store Store, logger *zap.Logger) *Analyzer {
	return &Analyzer{store: store, logger: logging.OrNop(logger), metrics: metrics.New()}
}

// Analyze computes the stats for the stored window and writes them back.
func (a *Analyzer) Analyze(ctx context.Context, testID int64) (*types.Test, error) {
	test, err := a.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	stats, err := a.compute(test)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveWindowStats(ctx, testID, stats); err != nil {
		return nil, fmt.Errorf("saving stats for test %d: %w", testID, err)
	}
	test.Stats = stats
	return test, nil
}

// EnsureAnalyzed analyzes a test only if it has no stats yet.
func (a *Analyzer) EnsureAnalyzed(ctx context.Context, testID int64) (*types.Test, error) {
	test, err := a.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Analyzed() {
		return test, nil
	}
	return a.Analyze(ctx, testID)
}

// SetWindow moves the window of a test and replaces its stats. Nothing is
// written when the new window is rejected.
func (a *Analyzer) SetWindow(ctx context.Context, testID int64, start, finish int) (*types.Test, error) {
	test, err := a.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	test.WindowStart, test.WindowFinish = start, finish
	stats, err := a.compute(test)
	if err != nil {
		return nil, err
	}
	if err := a.store.SetWindow(ctx, testID, start, finish, stats); err != nil {
		return nil, fmt.Errorf("saving window for test %d: %w", testID, err)
	}
	test.Stats = stats
	return test, nil
}

func (a *Analyzer) compute(test *types.Test) (*types.WindowStats, error) {
	stats, err := Compute(test)
	if err != nil {
		a.metrics.AnalysesTotal.WithLabelValues("rejected").Inc()
		a.logger.Warn("analysis rejected", zap.Int64("test_id", test.ID),
			zap.Int("window_start", test.WindowStart), zap.Int("window_finish", test.WindowFinish), zap.Error(err))
		return nil, err
	}
	a.metrics.AnalysesTotal.WithLabelValues("ok").Inc()
	a.logger.Info("test analyzed", zap.Int64("test_id", test.ID),
		zap.Stringer("vp1", stats.VP1), zap.Stringer("vp2", stats.VP2), zap.Stringer("vdx", stats.VDX))
	return stats, nil
}
