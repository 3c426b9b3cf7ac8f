// Package clock abstracts wall-clock and candle-boundary time so that
// scheduling, ledger dates and idempotency keys can be driven from tests.
package clock

import (
	"sync"
	"time"
)

// DateLayout is the calendar-date key format used by the risk ledger.
const DateLayout = "2006-01-02"

type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// System is the real wall clock, reporting times in Loc (UTC when nil).
type System struct {
	Loc *time.Location
}

func (s System) Now() time.Time { return time.Now().In(s.Location()) }

func (s System) Location() *time.Location {
	if s.Loc == nil {
		return time.UTC
	}
	return s.Loc
}

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

func NewManual(t time.Time) *Manual {
	return &Manual{now: t, loc: t.Location()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Location() *time.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loc
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.In(m.loc)
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// CandleFloor returns the open time of the candle of length tf that
// contains t. Candles are aligned to the Unix epoch, so the result does
// not depend on t's location.
func CandleFloor(t time.Time, tf time.Duration) time.Time {
	if tf <= 0 {
		return t
	}
	return t.Truncate(tf)
}

// DateKey returns the calendar date of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// Today is the ledger date for c's current time.
func Today(c Clock) string {
	return DateKey(c.Now(), c.Location())
}

// ParseDate parses a ledger date key as midnight in loc.
func ParseDate(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout, key, loc)
}

// DaysBetween counts whole calendar days from a to b (b after a is positive).
func DaysBetween(a, b string, loc *time.Location) (int, error) {
	ta, err := ParseDate(a, loc)
	if err != nil {
		return 0, err
	}
	tb, err := ParseDate(b, loc)
	if err != nil {
		return 0, err
	}
	// Round absorbs DST shifts of one hour.
	return int(tb.Sub(ta).Round(24*time.Hour) / (24 * time.Hour)), nil
}
