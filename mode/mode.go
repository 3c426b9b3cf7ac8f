// Package mode picks what a tick may do from the open positions and the
// ledger snapshot.
package mode

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/tradeguard/risk"
)

type Mode string

const (
	Entry      Mode = "ENTRY"
	Management Mode = "MANAGEMENT"
	Blocked    Mode = "BLOCKED"
)

// Parse accepts a mode name in any case.
func Parse(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case Entry, Management, Blocked:
		return m, nil
	}
	return "", fmt.Errorf("mode: unknown mode %q", s)
}

// Resolution is the resolved mode; Reason is set only when Blocked.
type Resolution struct {
	Mode    Mode
	Reason  string
	Verdict risk.Verdict
}

func (r Resolution) String() string {
	if r.Mode == Blocked {
		return fmt.Sprintf("BLOCKED(%s)", r.Reason)
	}
	return string(r.Mode)
}

// Resolve is BLOCKED when the circuit breaker trips, MANAGEMENT when any
// position is open, ENTRY while there is room for another position, and
// BLOCKED(max_positions) otherwise.
func Resolve(open int, s risk.Snapshot, l risk.Limits, now time.Time) Resolution {
	v := risk.Precheck(s, l, now)
	return resolve(open, v, l)
}

// ResolveWith is Resolve using e for the precheck, so engine faults block.
func ResolveWith(e *risk.Engine, open int, s risk.Snapshot, now time.Time) Resolution {
	return resolve(open, e.Precheck(s, now), e.Limits())
}

func resolve(open int, v risk.Verdict, l risk.Limits) Resolution {
	if !v.Allowed {
		return Resolution{Mode: Blocked, Reason: v.Reason, Verdict: v}
	}
	if open > 0 {
		return Resolution{Mode: Management, Verdict: v}
	}
	if open < l.MaxPositions {
		return Resolution{Mode: Entry, Verdict: v}
	}
	return Resolution{
		Mode:    Blocked,
		Reason:  risk.ReasonMaxPositions,
		Verdict: risk.Blocked(risk.ReasonMaxPositions, fmt.Sprintf("open positions %d >= max %d", open, l.MaxPositions)),
	}
}
