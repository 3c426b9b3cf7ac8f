package risk

import "math"

// PnLPct is the unrealized profit of a long position in percent.
func PnLPct(entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	return (price - entry) / entry * 100
}

// RealizedPnL is the quote-currency profit of selling qty at exit, net of fee.
func RealizedPnL(entry, exit, qty, fee float64) float64 {
	return (exit-entry)*qty - fee
}

// PctOfCapital expresses pnl as percent of capital.
func PctOfCapital(pnl, capital float64) float64 {
	if capital <= 0 {
		return 0
	}
	return pnl / capital * 100
}

func finite(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
