package market

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReadCSV parses candles from lines of "time,open,high,low,close[,volume]".
// Semicolons are accepted as separators, time may be RFC 3339 or Unix
// seconds, and a header line is skipped. Malformed lines are counted and
// skipped.
func ReadCSV(r io.Reader, asset string) ([]Candle, int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		out []Candle
		bad int
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(strings.ToLower(line), "time") {
			continue
		}
		c, err := parseLine(line)
		if err != nil {
			bad++
			continue
		}
		c.Asset = asset
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, bad, err
	}
	return out, bad, nil
}

// LoadCSV reads a candle file into f.
func (f *Feed) LoadCSV(path, asset string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fh.Close()

	cs, bad, err := ReadCSV(fh, asset)
	if err != nil {
		return 0, fmt.Errorf("market: read %s: %w", path, err)
	}
	if len(cs) == 0 {
		return 0, fmt.Errorf("market: no candles in %s (%d bad lines)", path, bad)
	}
	f.Append(asset, cs...)
	return len(cs), nil
}

func parseLine(line string) (Candle, error) {
	sep := ","
	if strings.Contains(line, ";") {
		sep = ";"
	}
	parts := strings.Split(line, sep)
	if len(parts) < 5 {
		return Candle{}, fmt.Errorf("short line")
	}

	ts, err := parseTime(strings.TrimSpace(parts[0]))
	if err != nil {
		return Candle{}, err
	}

	var vals [5]float64
	for i := 1; i < len(parts) && i <= 5; i++ {
		if vals[i-1], err = strconv.ParseFloat(strings.TrimSpace(parts[i]), 64); err != nil {
			return Candle{}, err
		}
	}
	c := Candle{Time: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}
	if c.High < c.Low || c.Close <= 0 {
		return Candle{}, fmt.Errorf("inconsistent candle")
	}
	return c, nil
}

func parseTime(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
