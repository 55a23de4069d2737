package models

import "github.com/shopspring/decimal"

const displayPlaces = 2

var hundred = decimal.NewFromInt(100)

// FormatChange renders an absolute change with an explicit sign, e.g. "+3.12".
func FormatChange(change float64) string {
	return signed(decimal.NewFromFloat(change))
}

// FormatPercent renders a fractional change as a signed percentage, e.g.
// 0.0165 -> "+1.65%".
func FormatPercent(fraction float64) string {
	return signed(decimal.NewFromFloat(fraction).Mul(hundred)) + "%"
}

// PriceChange returns price-prevClose and its ratio to prevClose. The ratio
// is 0 when there is no baseline.
func PriceChange(price, prevClose float64) (change, percent float64) {
	change = price - prevClose
	if prevClose != 0 {
		percent = change / prevClose
	}
	return change, percent
}

func signed(d decimal.Decimal) string {
	d = d.Round(displayPlaces)
	if d.IsNegative() {
		return d.StringFixed(displayPlaces)
	}
	return "+" + d.StringFixed(displayPlaces)
}
