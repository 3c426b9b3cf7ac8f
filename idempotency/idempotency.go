// Package idempotency records which (asset, timeframe, candle, action)
// units of work have already executed so a replayed tick never repeats a
// side effect.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OutcomePending marks a key reserved before its side effect ran. A key
// left pending by a crash is still a duplicate.
const OutcomePending = "pending"

var ErrNotFound = errors.New("idempotency: key not found")

// Key identifies one logical action. Candle is floored to the timeframe
// by the caller, so every tick inside the same candle builds the same key.
type Key struct {
	Asset     string
	Timeframe string
	Candle    time.Time
	Action    string
}

func (k Key) String() string {
	return strings.Join([]string{
		strings.ToUpper(k.Asset),
		k.Timeframe,
		strconv.FormatInt(k.Candle.Unix(), 10),
		k.Action,
	}, "|")
}

func (k Key) Validate() error {
	if k.Asset == "" || k.Timeframe == "" || k.Action == "" || k.Candle.IsZero() {
		return fmt.Errorf("idempotency: incomplete key %q", k.String())
	}
	return nil
}

// ParseKey is the inverse of Key.String. The candle time comes back in UTC.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("idempotency: malformed key %q", s)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("idempotency: malformed candle in %q: %w", s, err)
	}
	return Key{Asset: parts[0], Timeframe: parts[1], Candle: time.Unix(ts, 0).UTC(), Action: parts[3]}, nil
}

type Record struct {
	Key       string
	MarkedAt  time.Time
	Outcome   string
	ExpiresAt time.Time
}

func (r Record) Pending() bool { return r.Outcome == OutcomePending }

type Store interface {
	// Check reports whether key was reserved or marked.
	Check(ctx context.Context, key Key) (bool, error)
	// Reserve atomically records key as pending. It returns false when the
	// key already exists.
	Reserve(ctx context.Context, key Key) (bool, error)
	// Mark records the final outcome for key, creating it if needed.
	Mark(ctx context.Context, key Key, outcome string) error
	Get(ctx context.Context, key Key) (Record, error)
	// Pending lists keys whose side effect never confirmed.
	Pending(ctx context.Context) ([]Record, error)
	// CleanupExpired deletes records that expired at or before olderThan.
	CleanupExpired(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}
