// Package uncertain implements first-order (linear) uncertainty propagation.
//
// Every Quantity carries the partial derivatives of its value with respect to
// the independent Variables it was computed from. Because derivatives are keyed
// by variable identity, a value that is reused in several places of a formula
// stays correlated with itself: x - x has no uncertainty, x * x is not treated
// as two independent factors.
package uncertain

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/robproject/lre-sendes/pkg/units"
)

var ErrUndefined = errors.New("undefined uncertain value")

var variableSeq atomic.Uint64

// Variable is an independent input with its own standard uncertainty,
// expressed in its native unit.
type Variable struct {
	Name    string
	Nominal float64
	Sigma   float64
	Unit    units.Unit
	seq     uint64
}

func (v *Variable) String() string {
	return format(v.Nominal, v.Sigma)
}

// Quantity is a value in coherent SI units together with its sensitivities.
type Quantity struct {
	nominal float64
	unit    units.Unit
	derivs  map[*Variable]float64
	err     error
}

// New creates a Quantity backed by a fresh independent variable.
func New(name string, nominal, sigma float64, unit units.Unit) Quantity {
	v := &Variable{
		Name:    name,
		Nominal: nominal,
		Sigma:   math.Abs(sigma),
		Unit:    unit,
		seq:     variableSeq.Add(1),
	}
	return Quantity{
		nominal: nominal * unit.Scale,
		unit:    unit.SI(),
		derivs:  map[*Variable]float64{v: unit.Scale},
	}
}

// Constant creates an exact Quantity.
func Constant(value float64, unit units.Unit) Quantity {
	return Quantity{nominal: value * unit.Scale, unit: unit.SI()}
}

func undefined(msg string, args ...any) Quantity {
	return Quantity{err: fmt.Errorf("%w: "+msg, append([]any{ErrUndefined}, args...)...)}
}

// Err reports the first invalid operation in the chain that produced q.
func (q Quantity) Err() error { return q.err }

// Nominal is the value in coherent SI units.
func (q Quantity) Nominal() float64 { return q.nominal }

// Unit is the coherent SI unit of q, never the unit it was created in.
func (q Quantity) Unit() units.Unit { return q.unit }

// Std is the combined standard uncertainty in coherent SI units.
func (q Quantity) Std() float64 {
	var sum float64
	for v, d := range q.derivs {
		c := d * v.Sigma
		sum += c * c
	}
	return math.Sqrt(sum)
}

// RelStd is Std / |Nominal|; it is +Inf for a zero nominal with non-zero spread.
func (q Quantity) RelStd() float64 {
	s := q.Std()
	if s == 0 {
		return 0
	}
	return s / math.Abs(q.nominal)
}

// Derivative returns dq/dv, with q in SI and v in its native unit.
func (q Quantity) Derivative(v *Variable) float64 {
	return q.derivs[v]
}

// Variables lists the independent inputs q depends on in creation order.
func (q Quantity) Variables() []*Variable {
	out := make([]*Variable, 0, len(q.derivs))
	for v := range q.derivs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Variable returns the single input backing a quantity made by New or Parse.
func (q Quantity) Variable() (*Variable, bool) {
	if len(q.derivs) != 1 {
		return nil, false
	}
	for v := range q.derivs {
		return v, true
	}
	return nil, false
}

// In expresses q in unit u. The ratio of uncertainty to nominal is unchanged.
func (q Quantity) In(u units.Unit) (nominal, std float64, err error) {
	if q.err != nil {
		return 0, 0, q.err
	}
	if !q.unit.Compatible(u) {
		return 0, 0, fmt.Errorf("cannot express %s as %s", q.unit, u)
	}
	return q.nominal / u.Scale, q.Std() / u.Scale, nil
}

func (q Quantity) Add(o Quantity) Quantity {
	if err := firstErr(q, o); err != nil {
		return Quantity{err: err}
	}
	if !q.unit.Compatible(o.unit) {
		return undefined("cannot add %s and %s", q.unit, o.unit)
	}
	return Quantity{
		nominal: q.nominal + o.nominal,
		unit:    q.unit,
		derivs:  combine(q.derivs, 1, o.derivs, 1),
	}
}

func (q Quantity) Sub(o Quantity) Quantity {
	if err := firstErr(q, o); err != nil {
		return Quantity{err: err}
	}
	if !q.unit.Compatible(o.unit) {
		return undefined("cannot subtract %s from %s", o.unit, q.unit)
	}
	return Quantity{
		nominal: q.nominal - o.nominal,
		unit:    q.unit,
		derivs:  combine(q.derivs, 1, o.derivs, -1),
	}
}

func (q Quantity) Mul(o Quantity) Quantity {
	if err := firstErr(q, o); err != nil {
		return Quantity{err: err}
	}
	return Quantity{
		nominal: q.nominal * o.nominal,
		unit:    q.unit.Mul(o.unit).SI(),
		derivs:  combine(q.derivs, o.nominal, o.derivs, q.nominal),
	}
}

func (q Quantity) Div(o Quantity) Quantity {
	if err := firstErr(q, o); err != nil {
		return Quantity{err: err}
	}
	if o.nominal == 0 {
		return undefined("division by zero")
	}
	return Quantity{
		nominal: q.nominal / o.nominal,
		unit:    q.unit.Div(o.unit).SI(),
		derivs:  combine(q.derivs, 1/o.nominal, o.derivs, -q.nominal/(o.nominal*o.nominal)),
	}
}

// Pow raises q to a constant exponent.
func (q Quantity) Pow(exp float64) Quantity {
	if q.err != nil {
		return q
	}
	if q.nominal < 0 && exp != math.Trunc(exp) {
		return undefined("%g raised to non-integer power %g", q.nominal, exp)
	}
	if q.nominal == 0 && exp < 1 {
		return undefined("zero raised to power %g has no derivative", exp)
	}
	unit, ok := q.unit.Pow(exp)
	if !ok {
		return undefined("unit %s raised to power %g", q.unit, exp)
	}
	n := math.Pow(q.nominal, exp)
	return Quantity{
		nominal: n,
		unit:    unit.SI(),
		derivs:  combine(q.derivs, exp*math.Pow(q.nominal, exp-1), nil, 0),
	}
}

func (q Quantity) Sqrt() Quantity {
	return q.Pow(0.5)
}

// Scale multiplies q by an exact constant carrying unit u.
func (q Quantity) Scale(k float64, u units.Unit) Quantity {
	return q.Mul(Constant(k, u))
}

// Shift adds an exact constant carrying unit u.
func (q Quantity) Shift(k float64, u units.Unit) Quantity {
	return q.Add(Constant(k, u))
}

func (q Quantity) Neg() Quantity {
	return q.Scale(-1, units.Dimensionless)
}

// String formats the value in coherent SI units as
// "<nominal>+/-<uncertainty>", whatever unit q was created in. Parse with
// q.Unit() reads it back.
func (q Quantity) String() string {
	if q.err != nil {
		return "undefined"
	}
	return format(q.nominal, q.Std())
}

func firstErr(a, b Quantity) error {
	if a.err != nil {
		return a.err
	}
	return b.err
}

// combine returns ka*a + kb*b over the union of inputs.
func combine(a map[*Variable]float64, ka float64, b map[*Variable]float64, kb float64) map[*Variable]float64 {
	out := make(map[*Variable]float64, len(a)+len(b))
	for v, d := range a {
		out[v] += ka * d
	}
	for v, d := range b {
		out[v] += kb * d
	}
	return out
}
