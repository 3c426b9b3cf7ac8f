// Package ledger holds the per-day risk ledger and the open-position book,
// and persists both to SQLite.
package ledger

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/risk"
)

// RetentionDays is the ledger window. Entries this many days old or older
// are pruned, and weekly P&L sums the entries inside it.
const RetentionDays = 7

// ReasonConsecutiveFailures is the safe-mode reason set by RecordFailure.
const ReasonConsecutiveFailures = "consecutive_failures"

var ErrNoState = errors.New("ledger: no entry for date")

// DayEntry is one calendar day of the ledger. DailyPnL is realized P&L in
// percent of capital.
type DayEntry struct {
	Date                string
	DailyPnL            decimal.Decimal
	DailyTradeCount     int
	LastTradeTime       time.Time
	SafeMode            bool
	SafeModeReason      string
	ConsecutiveFailures int
	UpdatedAt           time.Time
}

// State maps calendar dates to day entries. There is at most one entry per
// date; weekly P&L is derived, never stored.
type State struct {
	loc  *time.Location
	days map[string]*DayEntry
}

func NewState(loc *time.Location) *State {
	if loc == nil {
		loc = time.UTC
	}
	return &State{loc: loc, days: make(map[string]*DayEntry)}
}

func (s *State) Location() *time.Location { return s.loc }

func (s *State) Len() int { return len(s.days) }

// Day returns a copy of the entry for date.
func (s *State) Day(date string) (DayEntry, error) {
	e, ok := s.days[date]
	if !ok {
		return DayEntry{}, ErrNoState
	}
	return *e, nil
}

// Dates lists the ledger dates in ascending order.
func (s *State) Dates() []string {
	out := make([]string, 0, len(s.days))
	for d := range s.days {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (s *State) put(e DayEntry) {
	cp := e
	s.days[e.Date] = &cp
}

func (s *State) entry(date string) *DayEntry {
	e, ok := s.days[date]
	if !ok {
		e = &DayEntry{Date: date}
		s.days[date] = e
	}
	return e
}

func (s *State) today(now time.Time) *DayEntry {
	return s.entry(clock.DateKey(now, s.loc))
}

// RecordTrade books one executed trade: pnlPct is added to today's P&L,
// the trade count is incremented and the last trade time set. Safe mode is
// tripped when the update reaches the daily or weekly loss limit; the
// returned reason is non-empty in that case.
func (s *State) RecordTrade(now time.Time, pnlPct decimal.Decimal, l risk.Limits) string {
	e := s.today(now)
	e.DailyPnL = e.DailyPnL.Add(pnlPct)
	e.DailyTradeCount++
	e.LastTradeTime = now
	e.ConsecutiveFailures = 0
	e.UpdatedAt = now

	if e.SafeMode {
		return ""
	}
	if reason, hit := risk.LossBreach(s.Snapshot(now), l); hit {
		e.SafeMode = true
		e.SafeModeReason = reason
		return reason
	}
	return ""
}

// SetSafeMode sets or clears the safe-mode flag for date.
func (s *State) SetSafeMode(date string, on bool, reason string, at time.Time) {
	e := s.entry(date)
	e.SafeMode = on
	if on {
		e.SafeModeReason = reason
	} else {
		e.SafeModeReason = ""
	}
	e.UpdatedAt = at
}

// RecordFailure counts a failed execution. It trips safe mode, and returns
// true, when the count reaches l.MaxConsecutiveFailures.
func (s *State) RecordFailure(now time.Time, l risk.Limits) bool {
	e := s.today(now)
	e.ConsecutiveFailures++
	e.UpdatedAt = now
	if l.MaxConsecutiveFailures > 0 && e.ConsecutiveFailures >= l.MaxConsecutiveFailures && !e.SafeMode {
		e.SafeMode = true
		e.SafeModeReason = ReasonConsecutiveFailures
		return true
	}
	return false
}

func (s *State) ResetFailures(now time.Time) {
	if e, ok := s.days[clock.DateKey(now, s.loc)]; ok && e.ConsecutiveFailures != 0 {
		e.ConsecutiveFailures = 0
		e.UpdatedAt = now
	}
}

// Prune drops entries RetentionDays or more before today, and entries
// whose date does not parse. It returns the number removed.
func (s *State) Prune(today string) int {
	n := 0
	for d := range s.days {
		age, err := clock.DaysBetween(d, today, s.loc)
		if err != nil || age >= RetentionDays {
			delete(s.days, d)
			n++
		}
	}
	return n
}

// WeeklyPnL sums DailyPnL over the RetentionDays window ending on now's date.
func (s *State) WeeklyPnL(now time.Time) decimal.Decimal {
	today := clock.DateKey(now, s.loc)
	sum := decimal.Zero
	for d, e := range s.days {
		age, err := clock.DaysBetween(d, today, s.loc)
		if err != nil || age < 0 || age >= RetentionDays {
			continue
		}
		sum = sum.Add(e.DailyPnL)
	}
	return sum
}

// Snapshot is the circuit-breaker view of the ledger at now.
func (s *State) Snapshot(now time.Time) risk.Snapshot {
	snap := risk.Snapshot{
		DailyPnL:  decimal.Zero,
		WeeklyPnL: s.WeeklyPnL(now),
	}
	if e, ok := s.days[clock.DateKey(now, s.loc)]; ok {
		snap.DailyPnL = e.DailyPnL
		snap.DailyTradeCount = e.DailyTradeCount
		snap.LastTradeTime = e.LastTradeTime
		snap.SafeMode = e.SafeMode
		snap.SafeModeReason = e.SafeModeReason
	}
	// The most recent trade may fall on an earlier date.
	if snap.LastTradeTime.IsZero() {
		for _, e := range s.days {
			if e.LastTradeTime.After(snap.LastTradeTime) {
				snap.LastTradeTime = e.LastTradeTime
			}
		}
	}
	return snap
}

func (s *State) ConsecutiveFailures(now time.Time) int {
	if e, ok := s.days[clock.DateKey(now, s.loc)]; ok {
		return e.ConsecutiveFailures
	}
	return 0
}

func (s *State) Clone() *State {
	out := NewState(s.loc)
	for _, e := range s.days {
		out.put(*e)
	}
	return out
}
