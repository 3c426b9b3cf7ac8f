package market

import (
	"fmt"
	"strings"
	"time"
)

var timeframes = map[string]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D1":  24 * time.Hour,
	"W1":  7 * 24 * time.Hour,
}

// ParseTimeframe maps a timeframe name such as "M15" or "H1" to its
// duration. Plain Go durations ("15m") are accepted too.
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.ToUpper(strings.TrimSpace(tf))
	if d, ok := timeframes[tf]; ok {
		return d, nil
	}
	if d, err := time.ParseDuration(strings.ToLower(tf)); err == nil && d > 0 {
		return d, nil
	}
	return 0, fmt.Errorf("unsupported timeframe: %q", tf)
}

// TimeframeName is the inverse of ParseTimeframe for whole minutes, hours
// and days.
func TimeframeName(d time.Duration) (string, error) {
	switch {
	case d <= 0:
		return "", fmt.Errorf("invalid timeframe: %s", d)
	case d == 7*24*time.Hour:
		return "W1", nil
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("D%d", d/(24*time.Hour)), nil
	case d%time.Hour == 0:
		return fmt.Sprintf("H%d", d/time.Hour), nil
	case d%time.Minute == 0:
		return fmt.Sprintf("M%d", d/time.Minute), nil
	}
	return "", fmt.Errorf("cannot name timeframe: %s", d)
}
