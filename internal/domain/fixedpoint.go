package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the number of decimals of every token handled by the vault.
const TokenDecimals = 18

var (
	// WAD is the fixed-point scale of health factors: 1.0 == WAD.
	WAD = decimal.New(1, TokenDecimals)
	// BPS is 100% expressed in basis points.
	BPS = decimal.NewFromInt(10_000)
)

// MulDiv returns a*b/c truncated toward zero. Division by zero yields zero.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	if c.IsZero() {
		return decimal.Zero
	}
	q, _ := a.Mul(b).QuoRem(c, 0)
	return q
}

// ApplyBps returns x*bps/10000 truncated toward zero.
func ApplyBps(x decimal.Decimal, bps int64) decimal.Decimal {
	return MulDiv(x, decimal.NewFromInt(bps), BPS)
}

// ToWad parses a human ratio such as "1.5" into its WAD representation.
func ToWad(ratio string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(ratio)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid ratio %q: %w", ratio, err)
	}
	return d.Shift(TokenDecimals).Truncate(0), nil
}

// MustWad is ToWad for constants and tests.
func MustWad(ratio string) decimal.Decimal {
	d, err := ToWad(ratio)
	if err != nil {
		panic(err)
	}
	return d
}

// FromWad renders a WAD value as a human ratio.
func FromWad(v decimal.Decimal) decimal.Decimal {
	return v.Shift(-TokenDecimals)
}

// Units converts a human token amount into base units, truncating sub-unit precision.
func Units(human string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(human)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", human, err)
	}
	return d.Shift(TokenDecimals).Truncate(0), nil
}

// MustUnits is Units for constants and tests.
func MustUnits(human string) decimal.Decimal {
	d, err := Units(human)
	if err != nil {
		panic(err)
	}
	return d
}

// Human renders base units as a human token amount.
func Human(units decimal.Decimal) string {
	return units.Shift(-TokenDecimals).String()
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MulDivUp returns a*b/c rounded up. Division by zero yields zero.
func MulDivUp(a, b, c decimal.Decimal) decimal.Decimal {
	if c.IsZero() {
		return decimal.Zero
	}
	q, r := a.Mul(b).QuoRem(c, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q
}

// ValueToUnits converts a base-currency value into token units at a WAD-scaled price,
// rounding down.
func ValueToUnits(value, price decimal.Decimal) decimal.Decimal {
	return MulDiv(value, WAD, price)
}

// ValueToUnitsUp is ValueToUnits rounding up, for amounts that must fully cover a value.
func ValueToUnitsUp(value, price decimal.Decimal) decimal.Decimal {
	return MulDivUp(value, WAD, price)
}

// UnitsToValue converts token units into base-currency value at a WAD-scaled price.
func UnitsToValue(units, price decimal.Decimal) decimal.Decimal {
	return MulDiv(units, price, WAD)
}
