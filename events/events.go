// Package events is the record the orchestrator hands to notification and
// metrics sinks.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindTick     Kind = "tick"
	KindTrade    Kind = "trade"
	KindBlocked  Kind = "blocked"
	KindAborted  Kind = "aborted"
	KindSafeMode Kind = "safe_mode"
)

type Event struct {
	ID       string        `json:"id"`
	Time     time.Time     `json:"time"`
	Kind     Kind          `json:"kind"`
	Job      string        `json:"job,omitempty"`
	Mode     string        `json:"mode,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Asset    string        `json:"asset,omitempty"`
	Side     string        `json:"side,omitempty"`
	Quantity float64       `json:"quantity,omitempty"`
	Price    float64       `json:"price,omitempty"`
	PnLPct   float64       `json:"pnl_pct,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Message  string        `json:"message,omitempty"`

	// Ledger gauges at the time of the event.
	DailyPnL      float64 `json:"daily_pnl"`
	OpenPositions int     `json:"open_positions"`
}

// New stamps an event with a fresh ID.
func New(kind Kind, at time.Time) Event {
	return Event{ID: uuid.NewString(), Time: at, Kind: kind}
}

func (e Event) String() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Job)
	if e.Outcome != "" {
		s += " " + e.Outcome
	}
	if e.Asset != "" {
		s += " " + e.Asset
	}
	if e.Reason != "" {
		s += " (" + e.Reason + ")"
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}
