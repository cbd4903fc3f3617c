// Package plotting renders diagnostic images of tests and results as PNG
// files, reusing files that already exist.
package plotting

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"github.com/robproject/lre-sendes/pkg/logging"
	"github.com/robproject/lre-sendes/pkg/result"
	"github.com/robproject/lre-sendes/pkg/types"
	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	KindRaw          = "raw"
	KindDelta        = "delta"
	KindContribution = "contrib"

	// ΔV_X is tiny next to the pressure difference.
	deltaScale = 100
)

var ErrNothingToPlot = errors.New("nothing to plot")

var (
	blue   = color.RGBA{B: 255, A: 255}
	red    = color.RGBA{R: 220, A: 255}
	green  = color.RGBA{G: 160, A: 255}
	orange = color.RGBA{R: 255, G: 165, A: 255}
	black  = color.Black
)

type Plotter struct {
	dir    string
	logger *zap.Logger
}

func New(dir string, logger *zap.Logger) *Plotter {
	return &Plotter{dir: dir, logger: logging.OrNop(logger)}
}

// FileName identifies an image by test, window and the constants it was
// computed with.
func FileName(testID int64, windowStart, windowFinish int, constantsID int64, kind string) string {
	return fmt.Sprintf("%d_%d_%d_%d_%s.png", testID, windowStart, windowFinish, constantsID, kind)
}

// TestImages returns the raw and delta images of t, drawing the ones that
// are missing.
func (p *Plotter) TestImages(t *types.Test) ([]string, error) {
	raw := filepath.Join(p.dir, FileName(t.ID, t.WindowStart, t.WindowFinish, t.ConstantsID, KindRaw))
	delta := filepath.Join(p.dir, FileName(t.ID, t.WindowStart, t.WindowFinish, t.ConstantsID, KindDelta))

	if err := p.ensure(raw, func() (*plot.Plot, error) { return RawPlot(t) }); err != nil {
		return nil, err
	}
	if err := p.ensure(delta, func() (*plot.Plot, error) { return DeltaPlot(t) }); err != nil {
		return nil, err
	}
	return []string{raw, delta}, nil
}

// ResultImage returns the contribution chart of r for t under constantsID.
func (p *Plotter) ResultImage(t *types.Test, constantsID int64, r *result.Result) (string, error) {
	path := filepath.Join(p.dir, FileName(t.ID, t.WindowStart, t.WindowFinish, constantsID, KindContribution))
	if err := p.ensure(path, func() (*plot.Plot, error) { return ContributionPlot(r) }); err != nil {
		return "", err
	}
	return path, nil
}

func (p *Plotter) ensure(path string, draw func() (*plot.Plot, error)) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	pl, err := draw()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := pl.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	p.logger.Debug("plot written", zap.String("path", path))
	return nil
}

// RawPlot draws the three channel voltages against time with the analysis
// window marked.
func RawPlot(t *types.Test) (*plot.Plot, error) {
	samples := t.Samples()
	if len(samples) == 0 || t.ScanRateActual <= 0 {
		return nil, ErrNothingToPlot
	}

	p := plot.New()
	p.Title.Text = "Raw Data"
	p.X.Label.Text = "Seconds"
	p.Y.Label.Text = "Volts"
	p.Add(plotter.NewGrid())

	series := []struct {
		label string
		col   color.Color
		value func(types.Sample) float64
	}{
		{"V_X", blue, func(s types.Sample) float64 { return s.Channel2 }},
		{"V_P1", red, func(s types.Sample) float64 { return s.Channel0 }},
		{"V_P2", green, func(s types.Sample) float64 { return s.Channel1 }},
	}
	for _, s := range series {
		pts := make(plotter.XYs, 0, len(samples))
		for i, smp := range samples {
			if smp.Skipped() {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(i) / t.ScanRateActual, Y: s.value(smp)})
		}
		if _, err := addLine(p, s.label, pts, s.col, false); err != nil {
			return nil, err
		}
	}
	if err := addWindow(p, t, 0, 1); err != nil {
		return nil, err
	}
	p.Legend.Left = true
	return p, nil
}

// DeltaPlot draws the scaled per-scan piston displacement and the pressure
// transducer difference against time.
func DeltaPlot(t *types.Test) (*plot.Plot, error) {
	samples := t.Samples()
	if len(samples) < 2 || t.ScanRateActual <= 0 {
		return nil, ErrNothingToPlot
	}

	p := plot.New()
	p.Title.Text = "Processed Raw Data"
	p.X.Label.Text = "Seconds"
	p.Y.Label.Text = "Volts"
	p.Add(plotter.NewGrid())

	dx := make(plotter.XYs, 0, len(samples)-1)
	dp := make(plotter.XYs, 0, len(samples)-1)
	for i := 0; i+1 < len(samples); i++ {
		x := float64(i) / t.ScanRateActual
		if !samples[i].Skipped() {
			dp = append(dp, plotter.XY{X: x, Y: samples[i].Channel0 - samples[i].Channel1})
			if !samples[i+1].Skipped() {
				dx = append(dx, plotter.XY{X: x, Y: (samples[i+1].Channel2 - samples[i].Channel2) * deltaScale})
			}
		}
	}
	if _, err := addLine(p, fmt.Sprintf("%d dV_X/dt", deltaScale), dx, blue, false); err != nil {
		return nil, err
	}
	if _, err := addLine(p, "dV_P", dp, orange, true); err != nil {
		return nil, err
	}
	if err := addWindow(p, t, -0.05, 0.55); err != nil {
		return nil, err
	}
	p.Legend.Left = true
	return p, nil
}

// ContributionPlot is a bar chart of each input's relative contribution to
// the Cd uncertainty.
func ContributionPlot(r *result.Result) (*plot.Plot, error) {
	if r == nil || len(r.Contributions) == 0 {
		return nil, ErrNothingToPlot
	}

	values := make(plotter.Values, len(r.Contributions))
	names := make([]string, len(r.Contributions))
	for i, c := range r.Contributions {
		values[i] = c.Fraction
		names[i] = c.Name
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Cd = %s", r.Cd)
	p.X.Label.Text = "Variable"
	p.Y.Label.Text = "Relative uncertainty contribution"
	p.Y.Min = 0

	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return nil, fmt.Errorf("bar chart: %w", err)
	}
	bars.Color = blue
	bars.LineStyle.Width = 0
	p.Add(bars)
	p.NominalX(names...)
	return p, nil
}

// addLine adds a labelled series; empty series are skipped and yield nil.
func addLine(p *plot.Plot, label string, pts plotter.XYs, col color.Color, dashed bool) (*plotter.Line, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("line %s: %w", label, err)
	}
	line.Color = col
	line.LineStyle.Width = vg.Points(1)
	if dashed {
		line.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	}
	p.Add(line)
	p.Legend.Add(label, line)
	return line, nil
}

func addWindow(p *plot.Plot, t *types.Test, ymin, ymax float64) error {
	for _, bound := range []int{t.WindowStart, t.WindowFinish} {
		x := float64(bound) / t.ScanRateActual
		marker, err := plotter.NewLine(plotter.XYs{{X: x, Y: ymin}, {X: x, Y: ymax}})
		if err != nil {
			return err
		}
		marker.Color = black
		p.Add(marker)
	}
	return nil
}
