package risk

import "math"

// Sizing is the result of SizePosition.
type Sizing struct {
	Kelly    float64 // raw f*, may be negative
	Fraction float64 // clamped fraction of capital
	Notional float64 // capital * Fraction
	Fallback bool    // true when inputs forced MinPositionPct
}

// SizePosition applies the Kelly criterion f* = w - (1-w)/r and clamps it
// to [MinPositionPct, MaxPositionPct]. A non-positive or undefined payoff
// ratio, an undefined win rate, or a negative f* falls back to
// MinPositionPct.
func SizePosition(capital, winRate, avgWinLossRatio float64, l Limits) Sizing {
	minF := l.MinPositionPct / 100
	maxF := l.MaxPositionPct / 100

	s := Sizing{Fraction: minF, Fallback: true}
	if finite(winRate, avgWinLossRatio) && avgWinLossRatio > 0 && winRate >= 0 && winRate <= 1 {
		s.Kelly = winRate - (1-winRate)/avgWinLossRatio
		if s.Kelly >= 0 {
			s.Fraction = math.Min(math.Max(s.Kelly, minF), maxF)
			s.Fallback = false
		}
	}

	if capital > 0 && finite(capital) {
		s.Notional = capital * s.Fraction
	}
	return s
}
