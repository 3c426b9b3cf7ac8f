package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/tradeguard/mode"
)

type Outcome string

const (
	Done    Outcome = "DONE"
	Skipped Outcome = "SKIPPED"
	Blocked Outcome = "BLOCKED"
	Aborted Outcome = "ABORTED"
)

// Skip reasons.
const (
	SkipLocked           = "locked"
	SkipDuplicate        = "duplicate"
	SkipModeNotScheduled = "mode_not_scheduled"
)

// Action is one executed order.
type Action struct {
	Asset    string
	Side     string
	Reason   string
	Quantity float64
	Price    float64
	PnLPct   float64
	OrderID  string
	Key      string
}

type Result struct {
	RunID   string
	Job     string
	Mode    mode.Mode
	Outcome Outcome
	Reason  string
	Candle  time.Time
	Started time.Time
	Elapsed time.Duration
	Actions []Action
	// SafeMode is the reason safe mode was engaged during the tick, if it was.
	SafeMode string
	// Err carries the cause of a SKIPPED, BLOCKED or ABORTED outcome when
	// there is one.
	Err error
}

func (r Result) String() string {
	var b strings.Builder
	b.WriteString(string(r.Outcome))
	if r.Reason != "" {
		fmt.Fprintf(&b, "(%s)", r.Reason)
	}
	if r.Mode != "" {
		fmt.Fprintf(&b, " mode=%s", r.Mode)
	}
	if len(r.Actions) > 0 {
		fmt.Fprintf(&b, " actions=%d", len(r.Actions))
	}
	return b.String()
}

func (r *Result) skip(reason string, err error) {
	r.Outcome, r.Reason, r.Err = Skipped, reason, err
}

func (r *Result) abort(err error) {
	r.Outcome, r.Reason, r.Err = Aborted, abortReason(err), err
}
