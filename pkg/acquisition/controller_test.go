package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/logging"
	"github.com/robproject/lre-sendes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type recorder struct {
	mu      sync.Mutex
	reads   []ReadDiagnostics
	summary *Summary
	failed  error
}

func (r *recorder) ReadDone(d ReadDiagnostics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, d)
}

func (r *recorder) RunDone(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = &s
}

func (r *recorder) RunFailed(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = err
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = 0
	return opts
}

func newTestController(sim *device.Simulated) (*Controller, *recorder) {
	rec := &recorder{}
	return NewController(sim, testOptions(), nil, rec), rec
}

// trace lists actuator writes and stream calls in order.
func trace(sim *device.Simulated) []string {
	var out []string
	for _, e := range sim.Events() {
		switch {
		case e.Op == "write" && e.Name == device.RegDAC0,
			e.Op == "read", e.Op == "stop", e.Op == "close":
			out = append(out, e.String())
		}
	}
	return out
}

func sampleConfig() types.AcquisitionConfig {
	cfg := types.NewAcquisitionConfig(267, 5, 0, 8)
	cfg.ID = 1
	return cfg
}

func TestRunLive(t *testing.T) {
	sim := device.NewSimulated(device.SimOptions{})
	c, rec := newTestController(sim)

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{t0, t0.Add(2 * time.Millisecond), t0.Add(2502 * time.Millisecond)}
	c.now = func() time.Time {
		next := ticks[0]
		ticks = ticks[1:]
		return next
	}

	test, err := c.Run(context.Background(), sampleConfig(), 7, true)
	require.NoError(t, err)

	assert.Equal(t, t0.Add(time.Millisecond), test.Start)
	assert.InDelta(t, 2.501, test.Duration, 1e-9)
	assert.Equal(t, 267.0, test.ScanRateActual)
	assert.Equal(t, int64(1), test.ConfigID)
	assert.Equal(t, int64(7), test.ConstantsID)
	assert.True(t, test.Live)
	assert.NotEmpty(t, test.RunID)

	require.Len(t, test.Reads, 5)
	assert.Equal(t, 665, test.ScanCount())
	for i, r := range test.Reads {
		assert.Equal(t, i+1, r.Index)
		assert.Len(t, r.Samples, 133)
	}
	assert.Equal(t, 267, test.WindowStart)
	assert.Equal(t, 425, test.WindowFinish)

	assert.Equal(t, []string{
		"write DAC0=5", "read", "read", "read", "read", "write DAC0=0", "read", "stop", "close",
	}, trace(sim))
	assert.Equal(t, 1, sim.Closes())

	require.Len(t, rec.reads, 5)
	require.NotNil(t, rec.summary)
	assert.Equal(t, 665, rec.summary.TotalScans)
	assert.Empty(t, rec.summary.StopError)
	assert.False(t, c.Busy())
}

func TestSummaryCarriesOnlyRunFields(t *testing.T) {
	sim := device.NewSimulated(device.SimOptions{})
	c, rec := newTestController(sim)
	test, err := c.Run(context.Background(), sampleConfig(), 1, true)
	require.NoError(t, err)
	require.NotNil(t, rec.summary)

	raw, err := json.Marshal(rec.summary)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, test.RunID, fields["run_id"])
	assert.EqualValues(t, 665, fields["total_scans"])
	assert.NotContains(t, fields, "test_id")
	assert.NotContains(t, fields, "stop_error")
}

func TestRunWritesStreamConfigBeforeStart(t *testing.T) {
	sim := device.NewSimulated(device.SimOptions{})
	c, _ := newTestController(sim)

	_, err := c.Run(context.Background(), sampleConfig(), 1, false)
	require.NoError(t, err)

	started := false
	configWrites := 0
	for _, e := range sim.Events() {
		if e.Op == "start" {
			started = true
		}
		if e.Op == "write" && e.Name != device.RegDAC0 {
			configWrites++
			assert.False(t, started, "%s written after stream start", e.Name)
		}
	}
	assert.Equal(t, 8, configWrites)
	// Dry runs never touch the valve.
	assert.NotContains(t, trace(sim), "write DAC0=5")
}

func TestRunSingleReadBracketsActuation(t *testing.T) {
	sim := device.NewSimulated(device.SimOptions{})
	c, _ := newTestController(sim)

	cfg := types.NewAcquisitionConfig(267, 1, 0, 8)
	test, err := c.Run(context.Background(), cfg, 1, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"write DAC0=5", "write DAC0=0", "read", "stop", "close"}, trace(sim))
	require.Len(t, test.Reads, 1)
	// The default window collapses for one read, so the full record is used.
	assert.Equal(t, 0, test.WindowStart)
	assert.Equal(t, 133, test.WindowFinish)
}

func TestRunToleratesEmptyPulls(t *testing.T) {
	sim := device.NewSimulated(device.SimOptions{})
	sim.Faults.NoScanPulls = 2
	sim.Faults.EmptyPulls = 1
	c, rec := newTestController(sim)

	test, err := c.Run(context.Background(), sampleConfig(), 1, true)
	require.NoError(t, err)

	assert.Len(t, test.Reads, 5)
	assert.Equal(t, 665, test.ScanCount())
	assert.Len(t, rec.reads, 5)
	assert.Equal(t, []string{
		"write DAC0=5", "read", "read", "read", "read", "read", "read", "read",
		"write DAC0=0", "read", "stop", "close",
	}, trace(sim))
}

func TestRunGivesUpOnEndlessEmptyPulls(t *testing.T) {
	sim := device.NewSimulated(device.SimOptions{})
	sim.Faults.NoScanPulls = 1000
	c, _ := newTestController(sim)
	c.opts.MaxConsecutiveEmpty = 3

	test, err := c.Run(context.Background(), sampleConfig(), 1, true)
	assert.Nil(t, test)
	assert.ErrorIs(t, err, ErrReadFatal)
	assert.Equal(t, 1, sim.Closes())
	tr := trace(sim)
	assert.Equal(t, "write DAC0=0", tr[len(tr)-2])
}

func TestRunFailures(t *testing.T) {
	driverErr := errors.New("LJME_DEVICE_NOT_FOUND")

	tests := []struct {
		name   string
		inject func(*device.SimFaults)
		kind   error
		closes int
	}{
		{"open", func(f *device.SimFaults) { f.Open = driverErr }, ErrDeviceOpenFailed, 0},
		{"config write", func(f *device.SimFaults) { f.WriteConfig = driverErr }, ErrDeviceConfigWriteFailed, 1},
		{"stream start", func(f *device.SimFaults) { f.Start = driverErr }, ErrStreamStartFailed, 1},
		{"read", func(f *device.SimFaults) { f.ReadErr, f.ReadErrAt = driverErr, 3 }, ErrReadFatal, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := device.NewSimulated(device.SimOptions{})
			tt.inject(&sim.Faults)
			c, rec := newTestController(sim)

			test, err := c.Run(context.Background(), sampleConfig(), 1, true)
			assert.Nil(t, test)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, driverErr)
			assert.Contains(t, err.Error(), "LJME_DEVICE_NOT_FOUND")
			assert.Equal(t, tt.closes, sim.Closes())
			assert.ErrorIs(t, rec.failed, tt.kind)
			assert.Nil(t, rec.summary)
			assert.False(t, c.Busy())

			tr := trace(sim)
			if tt.closes == 0 {
				assert.Empty(t, sim.Writes())
				return
			}
			// Valve is left shut, then the handle is released.
			require.GreaterOrEqual(t, len(tr), 2)
			assert.Equal(t, []string{"write DAC0=0", "close"}, tr[len(tr)-2:])
		})
	}
}

// cancelAfter cancels the run once the given read is done.
type cancelAfter struct {
	recorder
	read   int
	cancel context.CancelFunc
}

func (c *cancelAfter) ReadDone(d ReadDiagnostics) {
	c.recorder.ReadDone(d)
	if d.Index == c.read {
		c.cancel()
	}
}

func TestRunCancelledBetweenReads(t *testing.T) {
	sim := device.NewSimulated(device.SimOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progress := &cancelAfter{read: 2, cancel: cancel}
	c := NewController(sim, testOptions(), nil, progress)

	test, err := c.Run(ctx, sampleConfig(), 1, true)
	assert.Nil(t, test)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrReadFatal)
	assert.Contains(t, err.Error(), "read 3")

	assert.Len(t, progress.reads, 2)
	assert.Equal(t, []string{
		"write DAC0=5", "read", "read", "write DAC0=0", "close",
	}, trace(sim))
	assert.Equal(t, 1, sim.Closes())
	assert.ErrorIs(t, progress.failed, context.Canceled)
	assert.Nil(t, progress.summary)
	assert.False(t, c.Busy())
}

func TestRunStopFailureKeepsTest(t *testing.T) {
	sim := device.NewSimulated(device.SimOptions{})
	sim.Faults.Stop = errors.New("STREAM_NOT_RUNNING")
	logger, logs := logging.NewObserved()
	rec := &recorder{}
	c := NewController(sim, testOptions(), logger, rec)

	test, err := c.Run(context.Background(), sampleConfig(), 1, true)
	require.NoError(t, err)
	require.NotNil(t, test)
	assert.Equal(t, 1, sim.Closes())

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("stream stop failed, keeping test")
	assert.Equal(t, 1, warnings.Len())
	require.NotNil(t, rec.summary)
	assert.Contains(t, rec.summary.StopError, "STREAM_NOT_RUNNING")
}

func TestRunSkipAccounting(t *testing.T) {
	tests := []struct {
		name      string
		sentinels []int
		want      int
	}{
		{"whole scan dropped", []int{12, 13, 14}, 1},
		{"single channels in different scans", []int{0, 10, 29}, 3},
		{"two channels of one scan", []int{3, 5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := device.NewSimulated(device.SimOptions{})
			sim.Faults.Sentinels = tt.sentinels
			c, rec := newTestController(sim)

			cfg := types.NewAcquisitionConfig(20, 2, 0, 0)
			test, err := c.Run(context.Background(), cfg, 1, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, test.Reads[0].Skipped)
			assert.Equal(t, 0, test.Reads[1].Skipped)
			assert.Equal(t, tt.want, rec.summary.Skipped)
			assert.Equal(t, tt.want, rec.reads[0].Skipped)
		})
	}
}

type gatedDriver struct {
	*device.Simulated
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDriver) Open(ctx context.Context) (device.Conn, error) {
	close(g.entered)
	<-g.release
	return g.Simulated.Open(ctx)
}

func TestRunBusyGuard(t *testing.T) {
	gate := &gatedDriver{
		Simulated: device.NewSimulated(device.SimOptions{}),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	c := NewController(gate, testOptions(), nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), sampleConfig(), 1, false)
		done <- err
	}()
	<-gate.entered

	assert.True(t, c.Busy())
	_, err := c.Run(context.Background(), sampleConfig(), 1, false)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.ValidateConfig(context.Background(), sampleConfig())
	assert.ErrorIs(t, err, ErrBusy)

	close(gate.release)
	require.NoError(t, <-done)
	assert.False(t, c.Busy())
	assert.Equal(t, 1, gate.Opens())
}

func TestValidateConfig(t *testing.T) {
	t.Run("clean run is valid", func(t *testing.T) {
		sim := device.NewSimulated(device.SimOptions{RateStep: 0.5})
		c, _ := newTestController(sim)

		cfg, err := c.ValidateConfig(context.Background(), sampleConfig())
		require.NoError(t, err)
		assert.True(t, cfg.IsValid)
		assert.Equal(t, "None", cfg.ErrorMessage)
		assert.Equal(t, 267.0, cfg.ScanRateActual)
		assert.NotContains(t, trace(sim), "write DAC0=5")
	})

	t.Run("backlog above threshold", func(t *testing.T) {
		sim := device.NewSimulated(device.SimOptions{})
		sim.Faults.HostBacklog = 101
		c, _ := newTestController(sim)

		cfg, err := c.ValidateConfig(context.Background(), sampleConfig())
		require.NoError(t, err)
		assert.False(t, cfg.IsValid)
		assert.True(t, strings.HasPrefix(cfg.ErrorMessage, "Too many backlogs"))
	})

	t.Run("backlog at threshold is fine", func(t *testing.T) {
		sim := device.NewSimulated(device.SimOptions{})
		sim.Faults.DeviceBacklog = 100
		sim.Faults.HostBacklog = 100
		c, _ := newTestController(sim)

		cfg, err := c.ValidateConfig(context.Background(), sampleConfig())
		require.NoError(t, err)
		assert.True(t, cfg.IsValid)
	})

	t.Run("device failure is recorded", func(t *testing.T) {
		sim := device.NewSimulated(device.SimOptions{})
		sim.Faults.Open = errors.New("LJME_NO_DEVICES_FOUND")
		c, _ := newTestController(sim)

		cfg, err := c.ValidateConfig(context.Background(), sampleConfig())
		require.NoError(t, err)
		assert.False(t, cfg.IsValid)
		assert.Contains(t, cfg.ErrorMessage, "LJME_NO_DEVICES_FOUND")
	})
}
