package units

import (
	"fmt"
	"math"
	"strings"
)

// Dimension exponents in the order length, mass, time, current.
type Dimension [4]int8

type Unit struct {
	Name  string
	Scale float64 // multiply by Scale to get SI
	Dim   Dimension
}

var (
	Dimensionless = Unit{Name: "", Scale: 1}

	Meter    = Unit{Name: "m", Scale: 1, Dim: Dimension{1, 0, 0, 0}}
	Inch     = Unit{Name: "in", Scale: 0.0254, Dim: Dimension{1, 0, 0, 0}}
	Second   = Unit{Name: "s", Scale: 1, Dim: Dimension{0, 0, 1, 0}}
	Kilogram = Unit{Name: "kg", Scale: 1, Dim: Dimension{0, 1, 0, 0}}
	Ampere   = Unit{Name: "A", Scale: 1, Dim: Dimension{0, 0, 0, 1}}

	// kg·m²/(s³·A)
	Volt = Unit{Name: "V", Scale: 1, Dim: Dimension{2, 1, -3, -1}}
	// kg·m²/(s³·A²)
	Ohm = Unit{Name: "ohm", Scale: 1, Dim: Dimension{2, 1, -3, -2}}
	// kg/(m·s²)
	Pascal  = Unit{Name: "Pa", Scale: 1, Dim: Dimension{-1, 1, -2, 0}}
	PSI     = Unit{Name: "psi", Scale: 6894.757293168361, Dim: Dimension{-1, 1, -2, 0}}
	KgPerM3 = Unit{Name: "kg/m^3", Scale: 1, Dim: Dimension{-3, 1, 0, 0}}
)

func (u Unit) Mul(o Unit) Unit {
	var d Dimension
	for i := range d {
		d[i] = u.Dim[i] + o.Dim[i]
	}
	return Unit{Name: joinName(u.Name, "*", o.Name), Scale: u.Scale * o.Scale, Dim: d}
}

func (u Unit) Div(o Unit) Unit {
	var d Dimension
	for i := range d {
		d[i] = u.Dim[i] - o.Dim[i]
	}
	return Unit{Name: joinName(u.Name, "/", o.Name), Scale: u.Scale / o.Scale, Dim: d}
}

// Pow only supports exponents that keep every dimension integral,
// e.g. a square root of an area. ok is false otherwise.
func (u Unit) Pow(exp float64) (Unit, bool) {
	var d Dimension
	for i := range d {
		v := float64(u.Dim[i]) * exp
		if v != math.Trunc(v) {
			return Unit{}, false
		}
		d[i] = int8(v)
	}
	name := u.Name
	if name != "" {
		name = fmt.Sprintf("(%s)^%g", u.Name, exp)
	}
	return Unit{Name: name, Scale: math.Pow(u.Scale, exp), Dim: d}, true
}

// SI returns the coherent SI unit with the same dimension.
func (u Unit) SI() Unit {
	if u.Scale == 1 {
		return u
	}
	return Unit{Name: u.Dim.String(), Scale: 1, Dim: u.Dim}
}

func (u Unit) Compatible(o Unit) bool {
	return u.Dim == o.Dim
}

func (u Unit) IsDimensionless() bool {
	return u.Dim == Dimension{}
}

func (u Unit) String() string {
	if u.Name == "" && !u.IsDimensionless() {
		return u.Dim.String()
	}
	return u.Name
}

// Convert expresses value (given in from) in to.
func Convert(value float64, from, to Unit) (float64, error) {
	if !from.Compatible(to) {
		return 0, fmt.Errorf("cannot convert %s to %s", from, to)
	}
	return value * from.Scale / to.Scale, nil
}

func (d Dimension) String() string {
	symbols := [4]string{"m", "kg", "s", "A"}
	var parts []string
	for i, e := range d {
		switch {
		case e == 0:
		case e == 1:
			parts = append(parts, symbols[i])
		default:
			parts = append(parts, fmt.Sprintf("%s^%d", symbols[i], e))
		}
	}
	return strings.Join(parts, "*")
}

func joinName(a, op, b string) string {
	switch {
	case a == "" && b == "":
		return ""
	case b == "":
		return a
	case a == "" && op == "*":
		return b
	case a == "":
		return "1" + op + b
	}
	return a + op + b
}
