// Package journal records closed trades and equity snapshots, and derives
// the win-rate statistics used for position sizing.
package journal

import (
	"context"
	"time"
)

// TradeRecord is one realized exit. A partial close is its own record.
type TradeRecord struct {
	TradeID    string
	Asset      string
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	OpenTime   time.Time
	CloseTime  time.Time
	RealizedPL float64 // quote currency, net of exit fee
	PnLPct     float64 // percent of capital
	Fee        float64
	Reason     string
}

type EquitySnapshot struct {
	Time    time.Time
	Balance float64
	Equity  float64
}

type Journal interface {
	RecordTrade(ctx context.Context, rec TradeRecord) error
	RecordEquity(ctx context.Context, snap EquitySnapshot) error
	// Recent returns up to n most recent trades, newest first.
	Recent(ctx context.Context, n int) ([]TradeRecord, error)
}
