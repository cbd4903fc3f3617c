package types

import (
	"errors"
	"fmt"
)

var ErrInvalidConstants = errors.New("invalid physical constants")

// Diameters are in inches, density in kg/m^3, transducer offsets in psi.
type PhysicalConstants struct {
	ID                 int64   `db:"id" json:"id"`
	PistonAvg          float64 `db:"piston_avg" json:"piston_avg"`
	PistonUncertainty  float64 `db:"piston_uncertainty" json:"piston_uncertainty"`
	OrificeAvg         float64 `db:"orifice_avg" json:"orifice_avg"`
	OrificeUncertainty float64 `db:"orifice_uncertainty" json:"orifice_uncertainty"`
	RhoAvg             float64 `db:"rho_avg" json:"rho_avg"`
	RhoUncertainty     float64 `db:"rho_uncertainty" json:"rho_uncertainty"`
	PipeAvg            float64 `db:"pipe_avg" json:"pipe_avg"`
	PipeUncertainty    float64 `db:"pipe_uncertainty" json:"pipe_uncertainty"`
	P1Slope            float64 `db:"p1_slope" json:"p1_slope"`
	P1Offset           float64 `db:"p1_offset" json:"p1_offset"`
	P2Slope            float64 `db:"p2_slope" json:"p2_slope"`
	P2Offset           float64 `db:"p2_offset" json:"p2_offset"`
	IsActive           bool    `db:"is_active" json:"is_active"`
}

// ConstantsKey is the natural key of a PhysicalConstants row: every value.
type ConstantsKey struct {
	PistonAvg, PistonUncertainty   float64
	OrificeAvg, OrificeUncertainty float64
	RhoAvg, RhoUncertainty         float64
	PipeAvg, PipeUncertainty       float64
	P1Slope, P1Offset              float64
	P2Slope, P2Offset              float64
}

func (c PhysicalConstants) Key() ConstantsKey {
	return ConstantsKey{
		PistonAvg: c.PistonAvg, PistonUncertainty: c.PistonUncertainty,
		OrificeAvg: c.OrificeAvg, OrificeUncertainty: c.OrificeUncertainty,
		RhoAvg: c.RhoAvg, RhoUncertainty: c.RhoUncertainty,
		PipeAvg: c.PipeAvg, PipeUncertainty: c.PipeUncertainty,
		P1Slope: c.P1Slope, P1Offset: c.P1Offset,
		P2Slope: c.P2Slope, P2Offset: c.P2Offset,
	}
}

func (c PhysicalConstants) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"piston diameter", c.PistonAvg},
		{"orifice diameter", c.OrificeAvg},
		{"pipe diameter", c.PipeAvg},
		{"density", c.RhoAvg},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %g", ErrInvalidConstants, p.name, p.v)
		}
	}
	for _, u := range []float64{c.PistonUncertainty, c.OrificeUncertainty, c.RhoUncertainty, c.PipeUncertainty} {
		if u < 0 {
			return fmt.Errorf("%w: uncertainties cannot be negative", ErrInvalidConstants)
		}
	}
	if c.OrificeAvg >= c.PipeAvg {
		return fmt.Errorf("%w: orifice diameter must be smaller than pipe diameter", ErrInvalidConstants)
	}
	if c.P1Slope == 0 || c.P2Slope == 0 {
		return fmt.Errorf("%w: transducer slopes cannot be zero", ErrInvalidConstants)
	}
	return nil
}

// SampleConstants are the bench values the sample data was generated with.
func SampleConstants() PhysicalConstants {
	return PhysicalConstants{
		PistonAvg:          3.505,
		PistonUncertainty:  0.002284631,
		OrificeAvg:         0.238,
		OrificeUncertainty: 7.84915e-4,
		RhoAvg:             1000,
		RhoUncertainty:     0,
		PipeAvg:            0.618,
		PipeUncertainty:    0.001129,
		P1Slope:            0.9977953,
		P1Offset:           -0.008752722,
		P2Slope:            1.002007,
		P2Offset:           0.1061045,
	}
}
