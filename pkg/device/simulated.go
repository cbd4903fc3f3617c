package device

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/robproject/lre-sendes/pkg/types"
)

// Per-channel noise of the bench transducers, in volts.
var benchNoise = [3]float64{0.007120869, 0.007436709, 6.08881e-5}

// Waveform is the voltage trace of a reference test at t seconds after
// stream start: P1 held, P2 ramping down to 0.47 V and back up, piston
// moving at 0.368 V/s between 0.5 s and 2 s.
func Waveform(t float64) (p1, p2, piston float64) {
	p1 = 0.9451

	switch {
	case t < 0.5:
		p2 = 0.9451
	case t < 1:
		p2 = -(0.9451-0.471)/0.5*t + 0.9451 + 0.9451 - 0.47
	case t < 2:
		p2 = 0.47
	default:
		p2 = (0.9451-0.471)/0.5*t - 1.4253
	}

	switch {
	case t < 0.5:
		piston = 0.2
	case t < 2:
		piston = t*0.368 + 0.016
	default:
		piston = 2*0.368 + 0.016
	}
	return p1, p2, piston
}

// SimOptions shape the simulated signal.
type SimOptions struct {
	// NoiseScale multiplies the bench noise; 0 gives an exact waveform.
	NoiseScale float64
	Seed       uint64
	// RateStep quantizes the negotiated scan rate when non-zero.
	RateStep float64
	// Realtime makes every read take as long as the real device would.
	Realtime bool
}

// SimFaults injects driver failures. Read counters are 1-based and count
// every ReadChunk call, retried ones included.
type SimFaults struct {
	Open        error
	WriteConfig error
	Start       error
	Stop        error
	Close       error
	ReadErr     error
	ReadErrAt   int
	// Leading calls that return ErrNoScansReturned.
	NoScanPulls int
	// Leading calls that return an empty chunk without error.
	EmptyPulls int
	// Flat value offsets, counted over the whole stream, replaced by the sentinel.
	Sentinels     []int
	DeviceBacklog int
	HostBacklog   int
}

// Event is one recorded driver call.
type Event struct {
	Op    string
	Name  string
	Value float64
}

func (e Event) String() string {
	if e.Name == "" {
		return e.Op
	}
	return fmt.Sprintf("%s %s=%g", e.Op, e.Name, e.Value)
}

// Simulated is an in-process Driver. It records every call so callers can
// check what reached the device.
type Simulated struct {
	Options SimOptions
	Faults  SimFaults

	mu     sync.Mutex
	events []Event
	opens  int
	closes int
}

func NewSimulated(opts SimOptions) *Simulated {
	return &Simulated{Options: opts}
}

func (s *Simulated) Open(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.record(Event{Op: "open"})
	if s.Faults.Open != nil {
		return nil, s.Faults.Open
	}
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return &simConn{
		sim: s,
		rng: rand.New(rand.NewPCG(s.Options.Seed, s.Options.Seed^0x5eed)),
	}, nil
}

// Events returns a copy of the recorded calls.
func (s *Simulated) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Writes returns only the register writes.
func (s *Simulated) Writes() []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Op == "write" {
			out = append(out, e)
		}
	}
	return out
}

func (s *Simulated) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Simulated) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Simulated) record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

type simConn struct {
	sim *Simulated
	rng *rand.Rand

	streaming    bool
	scansPerRead int
	channels     int
	rate         float64
	pulls        int
	scan         int // next scan index
	offset       int // next flat value offset
	last         time.Time
}

func (c *simConn) WriteConfig(registers map[string]float64) error {
	if c.sim.Faults.WriteConfig != nil {
		return c.sim.Faults.WriteConfig
	}
	names := make([]string, 0, len(registers))
	for name := range registers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c.sim.record(Event{Op: "write", Name: name, Value: registers[name]})
	}
	return nil
}

func (c *simConn) StartStream(scansPerRead int, scanList []string, scanRate float64) (float64, error) {
	c.sim.record(Event{Op: "start", Value: scanRate})
	if c.sim.Faults.Start != nil {
		return 0, c.sim.Faults.Start
	}
	if scansPerRead < 1 || len(scanList) == 0 || scanRate <= 0 {
		return 0, fmt.Errorf("invalid stream parameters: %d scans/read, %d channels, %g Hz",
			scansPerRead, len(scanList), scanRate)
	}
	actual := scanRate
	if step := c.sim.Options.RateStep; step > 0 {
		actual = math.Max(step, math.Round(scanRate/step)*step)
	}
	c.streaming = true
	c.scansPerRead = scansPerRead
	c.channels = len(scanList)
	c.rate = actual
	c.last = time.Now()
	return actual, nil
}

func (c *simConn) ReadChunk() (Chunk, error) {
	c.sim.record(Event{Op: "read"})
	if !c.streaming {
		return Chunk{}, fmt.Errorf("stream not running")
	}
	c.pulls++
	f := c.sim.Faults
	if f.ReadErr != nil && c.pulls == f.ReadErrAt {
		return Chunk{}, f.ReadErr
	}
	if c.pulls <= f.NoScanPulls {
		return Chunk{}, ErrNoScansReturned
	}
	if c.pulls <= f.NoScanPulls+f.EmptyPulls {
		return Chunk{DeviceBacklog: f.DeviceBacklog, HostBacklog: f.HostBacklog}, nil
	}

	if c.sim.Options.Realtime {
		period := time.Duration(float64(c.scansPerRead) / c.rate * float64(time.Second))
		if wait := time.Until(c.last.Add(period)); wait > 0 {
			time.Sleep(wait)
		}
		c.last = time.Now()
	}

	values := make([]float64, 0, c.scansPerRead*c.channels)
	for range c.scansPerRead {
		p1, p2, piston := Waveform(float64(c.scan) / c.rate)
		scan := [3]float64{p1, p2, piston}
		for ch := range c.channels {
			v := 0.0
			if ch < len(scan) {
				v = scan[ch] + c.noise(ch)
			}
			if slices.Contains(f.Sentinels, c.offset) {
				v = types.InvalidSample
			}
			values = append(values, v)
			c.offset++
		}
		c.scan++
	}
	return Chunk{Values: values, DeviceBacklog: f.DeviceBacklog, HostBacklog: f.HostBacklog}, nil
}

func (c *simConn) noise(ch int) float64 {
	k := c.sim.Options.NoiseScale
	if k == 0 || ch >= len(benchNoise) {
		return 0
	}
	return c.rng.NormFloat64() * benchNoise[ch] * k
}

func (c *simConn) WriteName(name string, value float64) error {
	c.sim.record(Event{Op: "write", Name: name, Value: value})
	return nil
}

func (c *simConn) StopStream() error {
	c.sim.record(Event{Op: "stop"})
	c.streaming = false
	return c.sim.Faults.Stop
}

func (c *simConn) Close() error {
	c.sim.record(Event{Op: "close"})
	c.sim.mu.Lock()
	c.sim.closes++
	c.sim.mu.Unlock()
	return c.sim.Faults.Close
}
