// Package broker defines the exchange contract the execution core
// dispatches orders through.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRejected             = errors.New("broker: order rejected")
	ErrInsufficientFunds    = errors.New("broker: insufficient funds")
	ErrInsufficientHoldings = errors.New("broker: insufficient holdings")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Fill is the result of one market order. Success is false for an order
// the exchange accepted but did not fill.
type Fill struct {
	OrderID      string
	Asset        string
	Side         Side
	Success      bool
	FillPrice    float64
	FillQuantity float64
	Fee          float64
	Time         time.Time
}

func (f Fill) Notional() float64 { return f.FillPrice * f.FillQuantity }

func (f Fill) String() string {
	if !f.Success {
		return fmt.Sprintf("%s %s unfilled", f.Side, f.Asset)
	}
	return fmt.Sprintf("%s %.8f %s @ %.8f fee %.8f (%s)", f.Side, f.FillQuantity, f.Asset, f.FillPrice, f.Fee, f.OrderID)
}

// Exchange places long-only market orders. Buy spends notional quote
// currency; Sell disposes of qty base units.
type Exchange interface {
	Buy(ctx context.Context, asset string, notional float64) (Fill, error)
	Sell(ctx context.Context, asset string, qty float64) (Fill, error)
}

// Balancer is implemented by exchanges that can report free quote balance,
// used as sizing capital.
type Balancer interface {
	Balance(ctx context.Context) (float64, error)
}
