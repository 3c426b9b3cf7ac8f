package journal

import (
	"context"
	"math"
)

// Stats summarizes realized trades for Kelly sizing.
type Stats struct {
	Trades          int
	Wins            int
	Losses          int
	WinRate         float64
	AvgWin          float64
	AvgLoss         float64 // positive magnitude
	AvgWinLossRatio float64 // NaN when there are no losses or no wins
}

// Compute derives Stats from trades. Breakeven trades count toward the
// total but neither side of the ratio.
func Compute(trades []TradeRecord) Stats {
	s := Stats{Trades: len(trades), AvgWinLossRatio: math.NaN()}
	var sumWin, sumLoss float64
	for _, t := range trades {
		switch {
		case t.RealizedPL > 0:
			s.Wins++
			sumWin += t.RealizedPL
		case t.RealizedPL < 0:
			s.Losses++
			sumLoss += -t.RealizedPL
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	if s.Wins > 0 {
		s.AvgWin = sumWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = sumLoss / float64(s.Losses)
	}
	if s.Wins > 0 && s.Losses > 0 {
		s.AvgWinLossRatio = s.AvgWin / s.AvgLoss
	}
	return s
}

// Fallback is the sizing input used until enough trades are journaled.
type Fallback struct {
	MinTrades       int     `yaml:"min_trades"`
	WinRate         float64 `yaml:"win_rate"`
	AvgWinLossRatio float64 `yaml:"avg_win_loss_ratio"`
}

// SizingInputs returns the win rate and payoff ratio over the last
// lookback trades, or the fallback values when fewer than MinTrades exist
// or the ratio is undefined.
func SizingInputs(ctx context.Context, j Journal, lookback int, fb Fallback) (winRate, ratio float64, fromJournal bool, err error) {
	if j == nil {
		return fb.WinRate, fb.AvgWinLossRatio, false, nil
	}
	trades, err := j.Recent(ctx, lookback)
	if err != nil {
		return fb.WinRate, fb.AvgWinLossRatio, false, err
	}
	s := Compute(trades)
	if s.Trades < fb.MinTrades || math.IsNaN(s.AvgWinLossRatio) {
		return fb.WinRate, fb.AvgWinLossRatio, false, nil
	}
	return s.WinRate, s.AvgWinLossRatio, true, nil
}
