// Package wac implements the direction-aware weighted-average-cost state
// machine. State is an immutable value; ApplyTrade is a pure,
// referentially transparent function with no I/O, no clock, and no
// allocation beyond the returned value's own arithmetic.
package wac

import (
	"github.com/shopspring/decimal"

	"github.com/postrack/positions/internal/money"
)

// State is the running WAC accumulator: avgPrice, totalCostBasis,
// netQuantity, and the sequence number of the last trade applied.
type State struct {
	AvgPrice       decimal.Decimal
	TotalCostBasis decimal.Decimal
	NetQuantity    int64
	LastSequence   int64
}

// Zero is the initial WAC state before any trade has been applied.
var Zero = State{}

// ApplyTrade folds one trade into the state, applying exactly one of four
// direction-aware rules: cross-zero, flatten, toward-zero, and
// away-from-zero (which includes the first trade from flat). Trades must
// be applied in ascending sequenceNum order; ApplyTrade does not itself
// enforce that (the caller controls trade ordering via the persistence
// contracts), but result correctness depends on it.
func (s State) ApplyTrade(seq int64, qty int64, price decimal.Decimal) State {
	old := s.NetQuantity
	next := old + qty

	var out State
	switch {
	case crossesZero(old, next):
		// Cross zero: the position flips sign in one trade; the new
		// cost basis is priced entirely at the trade price.
		out = State{
			AvgPrice:       money.RoundHalfUp(price, money.WACPriceScale),
			TotalCostBasis: price.Mul(decimal.NewFromInt(next)),
			NetQuantity:    next,
		}
	case next == 0:
		// Flat: closing the position exactly zeroes cost basis.
		out = State{
			AvgPrice:       decimal.Zero,
			TotalCostBasis: decimal.Zero,
			NetQuantity:    0,
		}
	case sign(old) != sign(qty) && old != 0:
		// Toward zero: partial close, same side remaining. The average
		// price is a carried value, not re-derived, and must not be
		// re-rounded on carry.
		out = State{
			AvgPrice:       s.AvgPrice,
			TotalCostBasis: s.TotalCostBasis.Add(s.AvgPrice.Mul(decimal.NewFromInt(qty))),
			NetQuantity:    next,
		}
	case old == 0:
		// First trade from flat: the trade price is the WAC outright.
		out = State{
			AvgPrice:       money.RoundHalfUp(price, money.WACPriceScale),
			TotalCostBasis: price.Mul(decimal.NewFromInt(next)),
			NetQuantity:    next,
		}
	default:
		// Away from zero: adding to an existing position on the same
		// side. avgPrice is re-derived from the new cost basis.
		newCost := s.TotalCostBasis.Add(price.Mul(decimal.NewFromInt(qty)))
		out = State{
			AvgPrice:       money.RoundHalfUp(newCost.Abs().Div(decimal.NewFromInt(abs(next))), money.WACPriceScale),
			TotalCostBasis: newCost,
			NetQuantity:    next,
		}
	}
	out.LastSequence = seq
	return out
}

func crossesZero(old, next int64) bool {
	return (old > 0 && next < 0) || (old < 0 && next > 0)
}

func sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
