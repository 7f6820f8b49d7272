// Package money centralizes fixed-scale decimal rounding: HALF_UP, never
// banker's rounding, with at least 20 significant digits of working
// precision (shopspring/decimal already carries arbitrary precision
// internally; this package only pins the rounding mode and the scales
// used at specific boundaries).
package money

import "github.com/shopspring/decimal"

// WACPriceScale is the number of fractional digits a WAC price is
// rounded to whenever it is re-derived.
const WACPriceScale = 12

// InputPriceScale is the number of fractional digits a trade price
// carries on input.
const InputPriceScale = 6

// NotionalMinScale is the minimum scale totalNotional/totalCostBasis are
// carried at.
const NotionalMinScale = 6

// RoundHalfUp rounds d to scale fractional digits using HALF_UP, the
// only rounding mode this system ever uses for money. shopspring/
// decimal's Round rounds ties away from zero, which coincides with
// HALF_UP for the non-negative prices and cost bases this system deals
// in.
func RoundHalfUp(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Round(scale)
}

func init() {
	// shopspring/decimal's package-level DivisionPrecision controls the
	// scale Div rounds its quotient to; raise it well above the
	// 12-digit WAC scale so intermediate divisions (avgPrice = cost/qty)
	// never lose precision before the final explicit rounding.
	decimal.DivisionPrecision = 40
}
