package risk

import "time"

// Position is a long holding managed by the engine. It is created on a
// confirmed fill, mutated by every evaluation while open, and removed on
// full close.
type Position struct {
	Asset           string
	OrderID         string
	EntryPrice      float64
	Quantity        float64 // remaining
	InitialQuantity float64
	EntryTime       time.Time

	UnrealizedPct  float64
	StopPrice      float64
	TargetPrice    float64
	HighWater      float64
	TrailingActive bool
	// PartialLevel counts partial-profit levels already taken (0, 1 or 2).
	PartialLevel  int
	LastEvaluated time.Time
}

// InitialLevels returns the stop and target for a fresh entry. ATR levels
// are used when enabled and atr is known, fixed percentages otherwise.
func InitialLevels(entry, atr float64, l Limits) (stop, target float64) {
	if l.UseATRBasedStops && atr > 0 {
		return entry - atr*l.StopLossATRMultiplier, entry + atr*l.TakeProfitATRMultiplier
	}
	return entry * (1 + l.StopLossPct/100), entry * (1 + l.TakeProfitPct/100)
}

// NewPosition builds the position for a confirmed buy fill.
func NewPosition(asset, orderID string, fillPrice, qty, atr float64, l Limits, now time.Time) Position {
	stop, target := InitialLevels(fillPrice, atr, l)
	return Position{
		Asset:           asset,
		OrderID:         orderID,
		EntryPrice:      fillPrice,
		Quantity:        qty,
		InitialQuantity: qty,
		EntryTime:       now,
		StopPrice:       stop,
		TargetPrice:     target,
		HighWater:       fillPrice,
		LastEvaluated:   now,
	}
}

func (p Position) Notional(price float64) float64 { return p.Quantity * price }
