// Package device defines the streaming DAQ contract the acquisition
// controller drives, plus a simulated implementation of it.
package device

import (
	"context"
	"errors"

	"github.com/robproject/lre-sendes/pkg/types"
)

// ErrNoScansReturned is returned by ReadChunk when the device has nothing
// buffered yet. It is retryable.
var ErrNoScansReturned = errors.New("no scans returned")

// Register names understood by every driver.
const (
	RegStreamTriggerIndex    = "STREAM_TRIGGER_INDEX"
	RegStreamClockSource     = "STREAM_CLOCK_SOURCE"
	RegAINAllNegativeCh      = "AIN_ALL_NEGATIVE_CH"
	RegAIN0Range             = "AIN0_RANGE"
	RegAIN1Range             = "AIN1_RANGE"
	RegAIN2Range             = "AIN2_RANGE"
	RegStreamSettlingUS      = "STREAM_SETTLING_US"
	RegStreamResolutionIndex = "STREAM_RESOLUTION_INDEX"
	// Valve actuator output.
	RegDAC0 = "DAC0"
)

// ScanList is the channel order of every scan.
var ScanList = []string{"AIN0", "AIN1", "AIN2"}

type Chunk struct {
	// Channel-interleaved voltages.
	Values        []float64
	DeviceBacklog int
	HostBacklog   int
}

type Driver interface {
	Open(ctx context.Context) (Conn, error)
}

// Conn is one open device handle. Calls block until the device answers.
type Conn interface {
	WriteConfig(registers map[string]float64) error
	StartStream(scansPerRead int, scanList []string, scanRate float64) (float64, error)
	ReadChunk() (Chunk, error)
	WriteName(name string, value float64) error
	StopStream() error
	Close() error
}

// StreamRegisters returns the register writes that prepare a stream for cfg:
// triggered stream off, internal clock, single-ended inputs, +/-10 V on the
// P1 channel and +/-1 V on the others.
func StreamRegisters(cfg types.AcquisitionConfig) map[string]float64 {
	return map[string]float64{
		RegStreamTriggerIndex:    0,
		RegStreamClockSource:     0,
		RegAINAllNegativeCh:      float64(cfg.AINAllNegativeCh),
		RegAIN0Range:             10,
		RegAIN1Range:             1,
		RegAIN2Range:             1,
		RegStreamSettlingUS:      float64(cfg.StreamSettlingUS),
		RegStreamResolutionIndex: float64(cfg.StreamResolutionIndex),
	}
}
