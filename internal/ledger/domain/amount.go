package domain

import "github.com/shopspring/decimal"

// Scale is the number of decimal places a credit amount may carry.
const Scale = 2

// ToMinor converts d to hundredths, rejecting sub-cent precision and int64 overflow.
func ToMinor(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(Scale)) {
		return 0, ErrInvalidPrecision
	}
	shifted := d.Shift(Scale)
	if shifted.Cmp(decimal.NewFromInt(shifted.IntPart())) != 0 {
		return 0, ErrInvalidPrecision
	}
	return shifted.IntPart(), nil
}

func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -Scale)
}

// FormatMinor renders hundredths with exactly two decimals, e.g. "1200.00".
func FormatMinor(v int64) string {
	return FromMinor(v).StringFixed(Scale)
}
