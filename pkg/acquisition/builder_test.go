package acquisition

import (
	"testing"
	"time"

	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderStaysPendingUntilData(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuilder(types.NewAcquisitionConfig(267, 5, 0, 8), 3, "run", false, start, 1.8)
	assert.Equal(t, "pending", b.State())

	read, err := b.AddChunk(device.Chunk{})
	require.NoError(t, err)
	assert.Nil(t, read)
	assert.Equal(t, "pending", b.State())

	_, err = b.Finish(start.Add(time.Second), 267)
	assert.ErrorIs(t, err, ErrNoData)

	read, err = b.AddChunk(device.Chunk{Values: []float64{1, 2, 3, 4, 5, 6}, DeviceBacklog: 4})
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, 1, read.Index)
	assert.Equal(t, 4, read.DeviceBacklog)
	assert.Equal(t, "recording", b.State())

	test, err := b.Finish(start.Add(1500*time.Millisecond), 266.9)
	require.NoError(t, err)
	assert.Equal(t, "finished", b.State())
	assert.Equal(t, 1.5, test.Duration)
	assert.Equal(t, 266.9, test.ScanRateActual)
	assert.Equal(t, int64(3), test.ConstantsID)
	assert.Equal(t, start, test.Start)

	_, err = b.AddChunk(device.Chunk{Values: []float64{1, 2, 3}})
	assert.Error(t, err)
}

func TestBuilderTailMargin(t *testing.T) {
	cfg := types.NewAcquisitionConfig(20, 10, 0, 0)
	b := NewBuilder(cfg, 1, "run", false, time.Now(), 3)
	for range cfg.ReadCount {
		_, err := b.AddChunk(device.Chunk{Values: make([]float64, cfg.BufferSize*3)})
		require.NoError(t, err)
	}
	test, err := b.Finish(time.Now(), 20)
	require.NoError(t, err)
	assert.Equal(t, 20, test.WindowStart)
	assert.Equal(t, 70, test.WindowFinish)
}
