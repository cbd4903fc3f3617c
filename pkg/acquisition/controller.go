// Package acquisition runs a streaming acquisition against a device and
// assembles the resulting Test.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/logging"
	"github.com/robproject/lre-sendes/pkg/metrics"
	"github.com/robproject/lre-sendes/pkg/types"
	"go.uber.org/zap"
)

type Options struct {
	// Reads of ramp-down excluded from the default analysis window.
	TailMargin float64
	// Empty pulls tolerated in a row before the run is aborted.
	MaxConsecutiveEmpty int
	RetryDelay          time.Duration
	BacklogThreshold    int
	ActuatorRegister    string
	ActuatorOpen        float64
	ActuatorClosed      float64
}

func DefaultOptions() Options {
	return Options{
		TailMargin:          1.8,
		MaxConsecutiveEmpty: 1000,
		RetryDelay:          5 * time.Millisecond,
		BacklogThreshold:    types.BacklogThreshold,
		ActuatorRegister:    device.RegDAC0,
		ActuatorOpen:        5,
		ActuatorClosed:      0,
	}
}

// Controller owns the single device connection. Only one run may be in
// flight at a time.
type Controller struct {
	driver   device.Driver
	opts     Options
	logger   *zap.Logger
	progress Progress
	metrics  *metrics.Metrics

	now  func() time.Time
	busy atomic.Bool
}

func NewController(driver device.Driver, opts Options, logger *zap.Logger, progress Progress) *Controller {
	if progress == nil {
		progress = nopProgress{}
	}
	return &Controller{
		driver:   driver,
		opts:     opts,
		logger:   logging.OrNop(logger),
		progress: progress,
		metrics:  metrics.New(),
		now:      time.Now,
	}
}

// Busy reports whether a run is in flight.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Run performs one acquisition with cfg. When live is set the valve is
// opened once the stream starts and closed right before the final read.
func (c *Controller) Run(ctx context.Context, cfg types.AcquisitionConfig, constantsID int64, live bool) (*types.Test, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)

	runID := uuid.NewString()
	logger := c.logger.With(zap.String("run_id", runID))

	test, err := c.run(ctx, runID, cfg, constantsID, live, logger)
	if err != nil {
		c.metrics.RunsTotal.WithLabelValues("failed").Inc()
		c.progress.RunFailed(runID, err)
		return nil, err
	}
	c.metrics.RunsTotal.WithLabelValues("completed").Inc()
	c.metrics.RunDuration.Observe(test.Duration)
	return test, nil
}

func (c *Controller) run(
	ctx context.Context,
	runID string,
	cfg types.AcquisitionConfig,
	constantsID int64,
	live bool,
	logger *zap.Logger,
) (*types.Test, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := c.driver.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceOpenFailed, err)
	}
	logger.Info("device opened", zap.Bool("live", live), zap.Int("scan_rate", cfg.ScanRate),
		zap.Int("buffer_size", cfg.BufferSize), zap.Int("read_count", cfg.ReadCount))

	completed := false
	defer func() {
		if !completed {
			c.deactuate(conn, logger)
		}
		if err := conn.Close(); err != nil {
			logger.Warn("device close failed", zap.Error(err))
		}
	}()

	if err := conn.WriteConfig(device.StreamRegisters(cfg)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceConfigWriteFailed, err)
	}

	before := c.now()
	scanRate, err := conn.StartStream(cfg.BufferSize, device.ScanList, float64(cfg.ScanRate))
	after := c.now()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamStartFailed, err)
	}
	start := before.Add(after.Sub(before) / 2)
	logger.Info("stream started", zap.Float64("scan_rate_actual", scanRate))

	builder := NewBuilder(cfg, constantsID, runID, live, start, c.opts.TailMargin)

	if live {
		if err := conn.WriteName(c.opts.ActuatorRegister, c.opts.ActuatorOpen); err != nil {
			return nil, fmt.Errorf("%w: open: %w", ErrActuationFailed, err)
		}
		logger.Info("valve opened")
	}

	valveClosed := false
	empty := 0
	for i := 1; i <= cfg.ReadCount; {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: read %d: %w", ErrReadFatal, i, err)
		}
		if live && i == cfg.ReadCount && !valveClosed {
			if err := conn.WriteName(c.opts.ActuatorRegister, c.opts.ActuatorClosed); err != nil {
				return nil, fmt.Errorf("%w: close: %w", ErrActuationFailed, err)
			}
			valveClosed = true
			logger.Info("valve closed")
		}

		chunk, err := conn.ReadChunk()
		if err != nil && !errors.Is(err, device.ErrNoScansReturned) {
			return nil, fmt.Errorf("%w: read %d: %w", ErrReadFatal, i, err)
		}
		read, berr := builder.AddChunk(chunk)
		if berr != nil {
			return nil, fmt.Errorf("%w: read %d: %w", ErrReadFatal, i, berr)
		}
		if err != nil || read == nil {
			empty++
			c.metrics.EmptyPullsTotal.Inc()
			if empty > c.opts.MaxConsecutiveEmpty {
				return nil, fmt.Errorf("%w: read %d: %d consecutive pulls returned no scans",
					ErrReadFatal, i, empty)
			}
			if err := c.wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: read %d: %w", ErrReadFatal, i, err)
			}
			continue
		}
		empty = 0

		c.metrics.ReadsTotal.Inc()
		c.metrics.SkippedScans.Add(float64(read.Skipped))
		c.metrics.DeviceBacklog.Set(float64(read.DeviceBacklog))
		c.metrics.HostBacklog.Set(float64(read.HostBacklog))
		c.progress.ReadDone(ReadDiagnostics{
			RunID:         runID,
			Index:         read.Index,
			ReadCount:     cfg.ReadCount,
			Scans:         len(read.Samples),
			Skipped:       read.Skipped,
			DeviceBacklog: read.DeviceBacklog,
			HostBacklog:   read.HostBacklog,
		})
		i++
	}

	end := c.now()
	test, err := builder.Finish(end, scanRate)
	if err != nil {
		return nil, err
	}
	completed = true

	summary := summarize(test, cfg, end.Sub(start))
	if err := conn.StopStream(); err != nil {
		err = fmt.Errorf("%w: %w", ErrStreamStopFailed, err)
		logger.Warn("stream stop failed, keeping test", zap.Error(err))
		summary.StopError = err.Error()
	}
	c.progress.RunDone(summary)
	return test, nil
}

// deactuate leaves the valve closed. Failures are only logged.
func (c *Controller) deactuate(conn device.Conn, logger *zap.Logger) {
	if err := conn.WriteName(c.opts.ActuatorRegister, c.opts.ActuatorClosed); err != nil {
		logger.Error("failed to close valve", zap.Error(err))
		return
	}
	logger.Info("valve closed")
}

func (c *Controller) wait(ctx context.Context) error {
	if c.opts.RetryDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.opts.RetryDelay):
		return nil
	}
}

func summarize(test *types.Test, cfg types.AcquisitionConfig, elapsed time.Duration) Summary {
	s := Summary{
		RunID:          test.RunID,
		TotalScans:     test.ScanCount(),
		Elapsed:        elapsed,
		ScanRate:       cfg.ScanRate,
		ScanRateActual: test.ScanRateActual,
		Skipped:        test.SkippedCount(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.MeasuredScanRate = float64(s.TotalScans) / secs
		s.MeasuredSampleRate = s.MeasuredScanRate * float64(len(device.ScanList))
	}
	return s
}

// ValidateConfig dry-runs cfg with the valve shut. The config is valid when
// the run completes and no read reports a backlog above the threshold.
func (c *Controller) ValidateConfig(ctx context.Context, cfg types.AcquisitionConfig) (types.AcquisitionConfig, error) {
	test, err := c.Run(ctx, cfg, 0, false)
	if errors.Is(err, ErrBusy) {
		return cfg, err
	}
	cfg.IsValid = false
	if err != nil {
		cfg.ErrorMessage = err.Error()
		return cfg, nil
	}
	cfg.ScanRateActual = test.ScanRateActual
	for _, r := range test.Reads {
		if r.DeviceBacklog > c.opts.BacklogThreshold || r.HostBacklog > c.opts.BacklogThreshold {
			cfg.ErrorMessage = fmt.Sprintf("Too many backlogs: read %d device = %d, host = %d",
				r.Index, r.DeviceBacklog, r.HostBacklog)
			return cfg, nil
		}
	}
	cfg.IsValid = true
	cfg.ErrorMessage = "None"
	return cfg, nil
}
