package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulDiv_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		name     string
		a, b, c  int64
		expected int64
	}{
		{name: "exact", a: 100, b: 6000, c: 10000, expected: 60},
		{name: "truncates fraction", a: 10, b: 1, c: 3, expected: 3},
		{name: "truncates just below next integer", a: 2, b: 999, c: 1000, expected: 1},
		{name: "zero numerator", a: 0, b: 5, c: 7, expected: 0},
		{name: "division by zero yields zero", a: 5, b: 5, c: 0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MulDiv(decimal.NewFromInt(tt.a), decimal.NewFromInt(tt.b), decimal.NewFromInt(tt.c))
			assert.True(t, got.Equal(decimal.NewFromInt(tt.expected)), "got %s", got.String())
		})
	}
}

func TestMulDiv_NoRoundingUpOnLongFractions(t *testing.T) {
	// 2e18 - 1 divided by 1e18 is 1.999... and must truncate to 1, not round to 2
	a := MustUnits("2").Sub(decimal.NewFromInt(1))
	got := MulDiv(a, decimal.NewFromInt(1), WAD)
	assert.True(t, got.Equal(decimal.NewFromInt(1)), "got %s", got.String())
}

func TestApplyBps(t *testing.T) {
	amount := MustUnits("100")
	assert.True(t, ApplyBps(amount, 6000).Equal(MustUnits("60")))
	assert.True(t, ApplyBps(MustUnits("21.6"), 6000).Equal(MustUnits("12.96")))
	assert.True(t, ApplyBps(decimal.NewFromInt(1), 6000).IsZero())
}

func TestToWad(t *testing.T) {
	wad, err := ToWad("1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wad.String())
	assert.True(t, FromWad(wad).Equal(decimal.RequireFromString("1.5")))

	_, err = ToWad("abc")
	require.Error(t, err)
}

func TestUnits(t *testing.T) {
	u, err := Units("12.96")
	require.NoError(t, err)
	assert.Equal(t, "12960000000000000000", u.String())
	assert.Equal(t, "12.96", Human(u))

	// sub-unit precision is dropped
	u, err = Units("0.0000000000000000019")
	require.NoError(t, err)
	assert.True(t, u.Equal(decimal.NewFromInt(1)))
}

func TestValueToUnits_AtPrice(t *testing.T) {
	price := MustWad("3")

	assert.True(t, ValueToUnits(MustUnits("39.168"), price).Equal(MustUnits("13.056")))
	assert.True(t, UnitsToValue(MustUnits("13.056"), price).Equal(MustUnits("39.168")))

	// 1 wei of value is a third of a unit
	assert.True(t, ValueToUnits(decimal.NewFromInt(1), price).IsZero())
	assert.True(t, ValueToUnitsUp(decimal.NewFromInt(1), price).Equal(decimal.NewFromInt(1)))

	// exact at par
	assert.True(t, ValueToUnitsUp(MustUnits("130.56"), WAD).Equal(MustUnits("130.56")))
	assert.True(t, MulDivUp(decimal.NewFromInt(7), decimal.NewFromInt(1), decimal.Zero).IsZero())
}
