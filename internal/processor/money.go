package processor

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount (pounds) to the processor's
// integer minor units (pence). Amounts are rounded to two places first.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Mul(hundred).IntPart()
}

// FromMinorUnits converts processor minor units back to a major-unit decimal.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
