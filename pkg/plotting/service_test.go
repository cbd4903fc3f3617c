package plotting

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/robproject/lre-sendes/pkg/acquisition"
	"github.com/robproject/lre-sendes/pkg/analysis"
	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/result"
	"github.com/robproject/lre-sendes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func recordedTest(t *testing.T) *types.Test {
	t.Helper()
	ctrl := acquisition.NewController(device.NewSimulated(device.SimOptions{NoiseScale: 1, Seed: 3}),
		acquisition.DefaultOptions(), nil, nil)
	test, err := ctrl.Run(context.Background(), types.NewAcquisitionConfig(267, 5, 0, 0), 1, true)
	require.NoError(t, err)
	test.ID = 12
	return test
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "12_267_425_3_raw.png", FileName(12, 267, 425, 3, KindRaw))
}

func TestTestImagesAreWrittenOnce(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, nil)
	test := recordedTest(t)

	paths, err := p.TestImages(test)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	stamps := make([]time.Time, len(paths))
	for i, path := range paths {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
		stamps[i] = info.ModTime()
	}

	again, err := p.TestImages(test)
	require.NoError(t, err)
	assert.Equal(t, paths, again)
	for i, path := range again {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, stamps[i], info.ModTime(), "existing image is reused")
	}
}

func TestResultImage(t *testing.T) {
	test := recordedTest(t)
	stats, err := analysis.Compute(test)
	require.NoError(t, err)
	res, err := result.Compute(stats, test.ScanRateActual, types.SampleConstants())
	require.NoError(t, err)

	path, err := New(t.TempDir(), nil).ResultImage(test, 7, res)
	require.NoError(t, err)
	assert.Contains(t, path, "12_267_425_7_contrib.png")
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestNothingToPlot(t *testing.T) {
	_, err := RawPlot(&types.Test{ScanRateActual: 267})
	assert.ErrorIs(t, err, ErrNothingToPlot)
	_, err = DeltaPlot(&types.Test{})
	assert.ErrorIs(t, err, ErrNothingToPlot)
	_, err = ContributionPlot(&result.Result{})
	assert.ErrorIs(t, err, ErrNothingToPlot)
}

func TestAddLineDashes(t *testing.T) {
	pts := plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}}
	p := plot.New()

	dashed, err := addLine(p, "dV_P", pts, orange, true)
	require.NoError(t, err)
	assert.Equal(t, []vg.Length{vg.Points(4), vg.Points(4)}, dashed.LineStyle.Dashes)

	solid, err := addLine(p, "dV_X/dt", pts, blue, false)
	require.NoError(t, err)
	assert.Empty(t, solid.LineStyle.Dashes)

	empty, err := addLine(p, "none", nil, blue, true)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = DeltaPlot(recordedTest(t))
	require.NoError(t, err)
}

func TestContributionPlotAxes(t *testing.T) {
	test := recordedTest(t)
	stats, err := analysis.Compute(test)
	require.NoError(t, err)
	res, err := result.Compute(stats, test.ScanRateActual, types.SampleConstants())
	require.NoError(t, err)

	p, err := ContributionPlot(res)
	require.NoError(t, err)
	assert.Equal(t, "Relative uncertainty contribution", p.Y.Label.Text)
	assert.Equal(t, "Variable", p.X.Label.Text)
}
