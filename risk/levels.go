// Package risk turns a position's risk parameters into price levels and
// money amounts.
package risk

import (
	"math"

	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/market"
)

// Levels returns the initial stop-loss and take-profit for a position
// entered at entry, rounded to the symbol's tick.
func Levels(side market.Side, entry float64, p intent.RiskParams, rules market.SymbolRules) (sl, tp float64) {
	s := side.Sign()
	sl = rules.RoundPrice(entry * (1 - s*p.SLPct))
	tp = rules.RoundPrice(entry * (1 + s*p.TPPct))
	return sl, tp
}

// TrailingStop is the stop that sits distPct behind price.
func TrailingStop(side market.Side, price, distPct float64, rules market.SymbolRules) float64 {
	return rules.RoundPrice(price * (1 - side.Sign()*distPct))
}

// Improvement is how far candidate tightens on current, in price units.
// It is negative when candidate would loosen the stop.
func Improvement(side market.Side, current, candidate float64) float64 {
	if current == 0 {
		return math.Inf(1)
	}
	return side.Sign() * (candidate - current)
}

// RealizedPnL is the quote-currency result of closing qty at exit.
func RealizedPnL(side market.Side, entry, exit, qty float64) float64 {
	return side.Sign() * (exit - entry) * qty
}

// PlannedLoss is what a stop fill at stop would cost on qty.
func PlannedLoss(qty, entry, stop float64) float64 {
	return math.Abs(entry-stop) * qty
}

// RR is the reward-to-risk ratio of a bracket.
func RR(entry, stop, takeProfit float64) float64 {
	r := math.Abs(entry - stop)
	if r == 0 {
		return 0
	}
	return math.Abs(takeProfit-entry) / r
}
