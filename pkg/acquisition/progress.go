package acquisition

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ReadDiagnostics describes one counted stream read.
type ReadDiagnostics struct {
	RunID         string `json:"run_id"`
	Index         int    `json:"index"`
	ReadCount     int    `json:"read_count"`
	Scans         int    `json:"scans"`
	Skipped       int    `json:"skipped"`
	DeviceBacklog int    `json:"device_backlog"`
	HostBacklog   int    `json:"host_backlog"`
}

func (d ReadDiagnostics) String() string {
	return fmt.Sprintf("stream read %d/%d: scans skipped = %d, scan backlogs: device = %d, host = %d",
		d.Index, d.ReadCount, d.Skipped, d.DeviceBacklog, d.HostBacklog)
}

// Summary is reported once a run completes.
type Summary struct {
	RunID              string        `json:"run_id"`
	TotalScans         int           `json:"total_scans"`
	Elapsed            time.Duration `json:"elapsed"`
	ScanRate           int           `json:"scan_rate"`
	ScanRateActual     float64       `json:"scan_rate_actual"`
	MeasuredScanRate   float64       `json:"measured_scan_rate"`
	MeasuredSampleRate float64       `json:"measured_sample_rate"`
	Skipped            int           `json:"skipped"`
	// Set when the stream could not be stopped; the run still stands.
	StopError string `json:"stop_error,omitempty"`
}

func (s Summary) String() string {
	return fmt.Sprintf("total scans = %d, time taken = %.2f s, scan rate = %.1f scans/s (requested %d), "+
		"timed scan rate = %.2f scans/s, timed sample rate = %.1f samples/s, skipped scans = %d",
		s.TotalScans, s.Elapsed.Seconds(), s.ScanRateActual, s.ScanRate,
		s.MeasuredScanRate, s.MeasuredSampleRate, s.Skipped)
}

// Progress receives run diagnostics as they happen.
type Progress interface {
	ReadDone(ReadDiagnostics)
	RunDone(Summary)
	RunFailed(runID string, err error)
}

// LogProgress writes diagnostics to a zap logger.
type LogProgress struct {
	Logger *zap.Logger
}

func (p LogProgress) ReadDone(d ReadDiagnostics) {
	p.Logger.Info("stream read",
		zap.String("run_id", d.RunID),
		zap.Int("read", d.Index),
		zap.Int("scans", d.Scans),
		zap.Int("skipped", d.Skipped),
		zap.Int("device_backlog", d.DeviceBacklog),
		zap.Int("host_backlog", d.HostBacklog),
	)
}

func (p LogProgress) RunDone(s Summary) {
	fields := []zap.Field{
		zap.String("run_id", s.RunID),
		zap.Int("total_scans", s.TotalScans),
		zap.Duration("elapsed", s.Elapsed),
		zap.Float64("scan_rate_actual", s.ScanRateActual),
		zap.Float64("measured_scan_rate", s.MeasuredScanRate),
		zap.Float64("measured_sample_rate", s.MeasuredSampleRate),
		zap.Int("skipped", s.Skipped),
	}
	if s.StopError != "" {
		fields = append(fields, zap.String("stop_error", s.StopError))
	}
	p.Logger.Info("acquisition finished", fields...)
}

func (p LogProgress) RunFailed(runID string, err error) {
	p.Logger.Error("acquisition failed", zap.String("run_id", runID), zap.Error(err))
}

// MultiProgress fans diagnostics out to several sinks.
type MultiProgress []Progress

func (m MultiProgress) ReadDone(d ReadDiagnostics) {
	for _, p := range m {
		p.ReadDone(d)
	}
}

func (m MultiProgress) RunDone(s Summary) {
	for _, p := range m {
		p.RunDone(s)
	}
}

func (m MultiProgress) RunFailed(runID string, err error) {
	for _, p := range m {
		p.RunFailed(runID, err)
	}
}

type nopProgress struct{}

func (nopProgress) ReadDone(ReadDiagnostics) {}
func (nopProgress) RunDone(Summary)          {}
func (nopProgress) RunFailed(string, error)  {}
