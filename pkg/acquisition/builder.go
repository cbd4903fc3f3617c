package acquisition

import (
	"fmt"
	"time"

	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/types"
)

type builderState int

const (
	statePending builderState = iota
	stateRecording
	stateFinished
)

func (s builderState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateRecording:
		return "recording"
	case stateFinished:
		return "finished"
	}
	return fmt.Sprintf("builderState(%d)", int(s))
}

// Builder assembles a Test from stream chunks. It stays pending until the
// first chunk that carries scans, so a run that never produces data never
// creates a Test.
type Builder struct {
	state       builderState
	cfg         types.AcquisitionConfig
	constantsID int64
	runID       string
	live        bool
	start       time.Time
	tailMargin  float64
	test        *types.Test
}

func NewBuilder(cfg types.AcquisitionConfig, constantsID int64, runID string, live bool, start time.Time, tailMargin float64) *Builder {
	return &Builder{
		cfg:         cfg,
		constantsID: constantsID,
		runID:       runID,
		live:        live,
		start:       start,
		tailMargin:  tailMargin,
	}
}

func (b *Builder) State() string {
	return b.state.String()
}

// AddChunk appends one read. Chunks without scans are ignored and return nil.
func (b *Builder) AddChunk(chunk device.Chunk) (*types.StreamRead, error) {
	if b.state == stateFinished {
		return nil, fmt.Errorf("builder already finished")
	}
	samples := types.SplitScans(chunk.Values)
	if len(samples) == 0 {
		return nil, nil
	}

	if b.state == statePending {
		ws, wf := b.cfg.DefaultWindow(b.tailMargin)
		b.test = &types.Test{
			RunID:        b.runID,
			Start:        b.start,
			WindowStart:  ws,
			WindowFinish: wf,
			ConfigID:     b.cfg.ID,
			ConstantsID:  b.constantsID,
			Live:         b.live,
		}
		b.state = stateRecording
	}

	read := types.StreamRead{
		Index:         len(b.test.Reads) + 1,
		Skipped:       types.CountSkipped(samples),
		DeviceBacklog: chunk.DeviceBacklog,
		HostBacklog:   chunk.HostBacklog,
		Samples:       samples,
	}
	b.test.Reads = append(b.test.Reads, read)
	return &read, nil
}

// Finish stamps timing and fits the default window into what was recorded.
func (b *Builder) Finish(end time.Time, scanRateActual float64) (*types.Test, error) {
	switch b.state {
	case statePending:
		return nil, ErrNoData
	case stateFinished:
		return nil, fmt.Errorf("builder already finished")
	}
	b.test.Finish = end
	b.test.Duration = end.Sub(b.start).Seconds()
	b.test.ScanRateActual = scanRateActual
	b.test.WindowStart, b.test.WindowFinish = types.ClampWindow(
		b.test.WindowStart, b.test.WindowFinish, b.test.ScanCount())
	b.state = stateFinished
	return b.test, nil
}
