// Package result computes the discharge coefficient of a test and breaks
// its uncertainty down by input.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/robproject/lre-sendes/pkg/types"
	"github.com/robproject/lre-sendes/pkg/uncertain"
	"github.com/robproject/lre-sendes/pkg/units"
)

var ErrResultUndefined = errors.New("discharge coefficient undefined")

// Transducer loop: 4-20 mA over 0-200 psi, read across 20 x 5.9 ohm.
const (
	senseOhms      = 20 * 5.9
	loopZeroAmps   = 0.004
	loopSpanAmps   = 0.016
	pressureSpan   = 200 // psi
	inchesPerVolt  = 7.853
	jitterRefRate  = 267
	jitterPerScan  = 1.6552e-8
	zeroNominalEps = 1e-10
)

// Calibration errors of each transducer, combined in quadrature.
var (
	p1CalSigma = math.Hypot(0.000697, 0.000436)
	p2CalSigma = math.Hypot(0.000226, 0.000635)
)

// Contribution is one independent input of the Cd formula.
type Contribution struct {
	Name    string  `json:"name"`
	Nominal float64 `json:"nominal"`
	Sigma   float64 `json:"sigma"`
	Unit    string  `json:"unit"`
	// |dCd/dx| with x in its own unit.
	Derivative float64 `json:"derivative"`
	Fraction   float64 `json:"fraction"`
}

func (c Contribution) Value() string {
	return fmt.Sprintf("%g+/-%g", c.Nominal, c.Sigma)
}

type Result struct {
	Cd uncertain.Quantity
	// Pressure drop P1-P2 in psi, for display.
	DeltaP        uncertain.Quantity
	Contributions []Contribution
}

func (r *Result) MarshalJSON() ([]byte, error) {
	dp, dps, _ := r.DeltaP.In(units.PSI)
	return json.Marshal(struct {
		Cd            string         `json:"cd"`
		CdNominal     float64        `json:"cd_nominal"`
		CdStd         float64        `json:"cd_std"`
		DeltaPPSI     string         `json:"dp_psi"`
		Contributions []Contribution `json:"contributions"`
	}{
		Cd:            r.Cd.String(),
		CdNominal:     r.Cd.Nominal(),
		CdStd:         r.Cd.Std(),
		DeltaPPSI:     fmt.Sprintf("%g+/-%g", dp, dps),
		Contributions: r.Contributions,
	})
}

// Compute evaluates
//
//	Cd = 4 (d/2)^2 (dx/dt) / (d2^2 sqrt(2 (P1-P2) / (rho (1 - (d2/d1)^4))))
//
// with d the piston, d1 the pipe and d2 the orifice diameter. Every
// constant, voltage statistic, calibration factor and the sample period
// enter as independent inputs.
func Compute(stats *types.WindowStats, scanRateActual float64, c types.PhysicalConstants) (*Result, error) {
	if stats == nil {
		return nil, fmt.Errorf("%w: test has not been analyzed", ErrResultUndefined)
	}
	if scanRateActual <= 0 {
		return nil, fmt.Errorf("%w: scan rate %g", ErrResultUndefined, scanRateActual)
	}

	d := uncertain.New("piston", c.PistonAvg, c.PistonUncertainty, units.Inch)
	d1 := uncertain.New("pipe", c.PipeAvg, c.PipeUncertainty, units.Inch)
	d2 := uncertain.New("orifice", c.OrificeAvg, c.OrificeUncertainty, units.Inch)
	rho := uncertain.New("rho", c.RhoAvg, c.RhoUncertainty, units.KgPerM3)

	vp1 := reissue("vp1", stats.VP1)
	vp2 := reissue("vp2", stats.VP2)
	vdx := reissue("vdx", stats.VDX)

	p1Cal := uncertain.New("p1_cal", 1, p1CalSigma, units.Dimensionless)
	p2Cal := uncertain.New("p2_cal", 1, p2CalSigma, units.Dimensionless)

	period := 1 / scanRateActual
	dt := uncertain.New("dt", period, math.Sqrt(period*jitterRefRate)*jitterPerScan, units.Second)

	dx := vdx.Scale(inchesPerVolt, units.Inch.Div(units.Volt))
	p1 := VoltsToPressure(vp1, c.P1Slope, c.P1Offset).Mul(p1Cal)
	p2 := VoltsToPressure(vp2, c.P2Slope, c.P2Offset).Mul(p2Cal)
	dp := p1.Sub(p2)

	one := uncertain.Constant(1, units.Dimensionless)
	beta4 := d2.Div(d1).Pow(4)
	velocity := dp.Scale(2, units.Dimensionless).Div(rho.Mul(one.Sub(beta4))).Sqrt()
	cd := d.Scale(0.5, units.Dimensionless).Pow(2).Scale(4, units.Dimensionless).
		Mul(dx.Div(dt)).
		Div(d2.Pow(2).Mul(velocity))

	if err := cd.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResultUndefined, err)
	}
	if !cd.Unit().IsDimensionless() {
		return nil, fmt.Errorf("%w: result carries unit %s", ErrResultUndefined, cd.Unit())
	}

	contributions, err := breakdown(cd, []uncertain.Quantity{d, d1, d2, rho, vdx, vp1, vp2, p1Cal, p2Cal, dt})
	if err != nil {
		return nil, err
	}
	return &Result{Cd: cd, DeltaP: dp, Contributions: contributions}, nil
}

// VoltsToPressure converts a transducer voltage to pressure using the
// transducer's linear calibration (offset in psi).
func VoltsToPressure(v uncertain.Quantity, slope, offset float64) uncertain.Quantity {
	return v.Div(uncertain.Constant(senseOhms, units.Ohm)).
		Sub(uncertain.Constant(loopZeroAmps, units.Ampere)).
		Mul(uncertain.Constant(pressureSpan, units.PSI)).
		Div(uncertain.Constant(loopSpanAmps, units.Ampere)).
		Scale(slope, units.Dimensionless).
		Shift(offset, units.PSI)
}

// reissue turns a statistic into a fresh independent input in volts.
func reissue(name string, q uncertain.Quantity) uncertain.Quantity {
	n, s, err := q.In(units.Volt)
	if err != nil {
		return q
	}
	return uncertain.New(name, n, s, units.Volt)
}

// breakdown weighs each input by (relative uncertainty * |dCd/dx|)^2 and
// normalizes the weights to fractions.
func breakdown(cd uncertain.Quantity, inputs []uncertain.Quantity) ([]Contribution, error) {
	out := make([]Contribution, 0, len(inputs))
	weights := make([]float64, 0, len(inputs))
	var total float64
	for _, in := range inputs {
		v, ok := in.Variable()
		if !ok {
			return nil, fmt.Errorf("%w: input is not independent", ErrResultUndefined)
		}
		deriv := math.Abs(cd.Derivative(v))
		nominal := math.Abs(v.Nominal)
		if nominal == 0 {
			nominal = zeroNominalEps
		}
		w := math.Pow(v.Sigma/nominal*deriv, 2)
		weights = append(weights, w)
		total += w
		out = append(out, Contribution{
			Name:       v.Name,
			Nominal:    v.Nominal,
			Sigma:      v.Sigma,
			Unit:       v.Unit.Name,
			Derivative: deriv,
		})
	}
	if total == 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return nil, fmt.Errorf("%w: uncertainty breakdown has no finite weight", ErrResultUndefined)
	}
	for i := range out {
		out[i].Fraction = weights[i] / total
	}
	return out, nil
}
