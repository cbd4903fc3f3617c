package types

import (
	"errors"
	"fmt"
)

// Negative channel value for single-ended inputs.
const GND = 199

const (
	MaxResolutionIndex = 8
	BacklogThreshold   = 100
)

var ErrInvalidConfig = errors.New("invalid acquisition config")

type AcquisitionConfig struct {
	ID                    int64   `db:"id" json:"id"`
	ScanRate              int     `db:"scan_rate" json:"scan_rate"`
	ScanRateActual        float64 `db:"scan_rate_actual" json:"scan_rate_actual"`
	BufferSize            int     `db:"buffer_size" json:"buffer_size"`
	ReadCount             int     `db:"read_count" json:"read_count"`
	AINAllNegativeCh      int     `db:"ain_all_negative_ch" json:"ain_all_negative_ch"`
	StreamSettlingUS      int     `db:"stream_settling_us" json:"stream_settling_us"`
	StreamResolutionIndex int     `db:"stream_resolution_index" json:"stream_resolution_index"`
	IsActive              bool    `db:"is_active" json:"is_active"`
	IsValid               bool    `db:"is_valid" json:"is_valid"`
	ErrorMessage          string  `db:"error_message" json:"error_message"`
}

// ConfigKey is the natural key of an AcquisitionConfig.
type ConfigKey struct {
	ScanRate              int
	ReadCount             int
	StreamSettlingUS      int
	StreamResolutionIndex int
}

// NewAcquisitionConfig derives the buffer size so that every read covers half a second.
func NewAcquisitionConfig(scanRate, readCount, settlingUS, resolutionIndex int) AcquisitionConfig {
	return AcquisitionConfig{
		ScanRate:              scanRate,
		BufferSize:            scanRate / 2,
		ReadCount:             readCount,
		AINAllNegativeCh:      GND,
		StreamSettlingUS:      settlingUS,
		StreamResolutionIndex: resolutionIndex,
		ErrorMessage:          "None",
	}
}

// SampleConfig is the 5-read 267 Hz stream the sample test was recorded with.
func SampleConfig() AcquisitionConfig {
	return NewAcquisitionConfig(267, 5, 0, MaxResolutionIndex)
}

func (c AcquisitionConfig) Key() ConfigKey {
	return ConfigKey{
		ScanRate:              c.ScanRate,
		ReadCount:             c.ReadCount,
		StreamSettlingUS:      c.StreamSettlingUS,
		StreamResolutionIndex: c.StreamResolutionIndex,
	}
}

func (c AcquisitionConfig) Validate() error {
	switch {
	case c.ScanRate < 2:
		return fmt.Errorf("%w: scan rate must be at least 2 Hz, got %d", ErrInvalidConfig, c.ScanRate)
	case c.BufferSize < 1:
		return fmt.Errorf("%w: buffer size must be positive, got %d", ErrInvalidConfig, c.BufferSize)
	case c.ReadCount < 1:
		return fmt.Errorf("%w: read count must be at least 1, got %d", ErrInvalidConfig, c.ReadCount)
	case c.StreamSettlingUS < 0:
		return fmt.Errorf("%w: settling time cannot be negative", ErrInvalidConfig)
	case c.StreamResolutionIndex < 0 || c.StreamResolutionIndex > MaxResolutionIndex:
		return fmt.Errorf("%w: resolution index must be within 0..%d, got %d",
			ErrInvalidConfig, MaxResolutionIndex, c.StreamResolutionIndex)
	}
	return nil
}

// DefaultWindow returns the analysis window for a test recorded with c:
// skip the first second and drop tailMargin reads worth of ramp-down.
func (c AcquisitionConfig) DefaultWindow(tailMargin float64) (start, finish int) {
	start = c.ScanRate
	finish = int(float64(c.BufferSize) * (float64(c.ReadCount) - tailMargin))
	return start, finish
}
