package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert(t *testing.T) {
	t.Run("inch to meter", func(t *testing.T) {
		v, err := Convert(1, Inch, Meter)
		require.NoError(t, err)
		assert.InDelta(t, 0.0254, v, 1e-15)
	})

	t.Run("psi to pascal", func(t *testing.T) {
		v, err := Convert(200, PSI, Pascal)
		require.NoError(t, err)
		assert.InDelta(t, 1378951.46, v, 1e-2)
	})

	t.Run("rejects mismatched dimensions", func(t *testing.T) {
		_, err := Convert(1, Inch, Second)
		assert.Error(t, err)
	})
}

func TestDerivedUnits(t *testing.T) {
	// V / ohm is a current
	assert.True(t, Volt.Div(Ohm).Compatible(Ampere))

	// A * psi / A is a pressure with the psi scale kept
	p := Ampere.Mul(PSI).Div(Ampere)
	assert.True(t, p.Compatible(Pascal))
	assert.InDelta(t, PSI.Scale, p.Scale, 1e-9)

	area := Inch.Mul(Inch)
	side, ok := area.Pow(0.5)
	require.True(t, ok)
	assert.True(t, side.Compatible(Meter))
	assert.InDelta(t, Inch.Scale, side.Scale, 1e-15)

	_, ok = Inch.Pow(0.5)
	assert.False(t, ok)
}

func TestDimensionless(t *testing.T) {
	ratio := Inch.Div(Meter)
	assert.True(t, ratio.IsDimensionless())
	assert.InDelta(t, 0.0254, ratio.Scale, 1e-15)
	assert.Equal(t, "", Dimensionless.String())
	assert.Equal(t, "m^-1*kg*s^-2", Pascal.Dim.String())
}
