// Package advisor is the contract for an external analysis service that
// is consulted on ambiguous exits and, optionally, on entries.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Verdict string

const (
	Allow Verdict = "ALLOW"
	Block Verdict = "BLOCK"
	Hold  Verdict = "HOLD"
)

// ErrTimeout is returned by WithTimeout when the advisor did not answer
// in time.
var ErrTimeout = errors.New("advisor: timed out")

// Context describes what the advisor is asked to judge.
type Context struct {
	Mode        string  `json:"mode"` // ENTRY or MANAGEMENT
	Asset       string  `json:"asset"`
	Price       float64 `json:"price"`
	ATR         float64 `json:"atr,omitempty"`
	Score       float64 `json:"score,omitempty"`
	EntryPrice  float64 `json:"entry_price,omitempty"`
	PnLPct      float64 `json:"pnl_pct,omitempty"`
	StopPrice   float64 `json:"stop_price,omitempty"`
	TargetPrice float64 `json:"target_price,omitempty"`
	Question    string  `json:"question,omitempty"`
}

type Decision struct {
	Verdict    Verdict `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Approves reports an ALLOW at or above minConfidence.
func (d Decision) Approves(minConfidence float64) bool {
	return d.Verdict == Allow && d.Confidence >= minConfidence
}

func (d Decision) Validate() error {
	switch Verdict(strings.ToUpper(string(d.Verdict))) {
	case Allow, Block, Hold:
	default:
		return fmt.Errorf("advisor: unknown verdict %q", d.Verdict)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("advisor: confidence %v out of [0,1]", d.Confidence)
	}
	return nil
}

type Advisor interface {
	Evaluate(ctx context.Context, c Context) (Decision, error)
}

// Func adapts a function to Advisor.
type Func func(ctx context.Context, c Context) (Decision, error)

func (f Func) Evaluate(ctx context.Context, c Context) (Decision, error) { return f(ctx, c) }

// Static always answers with the same decision.
type Static Decision

func (s Static) Evaluate(context.Context, Context) (Decision, error) { return Decision(s), nil }

type timeoutAdvisor struct {
	next    Advisor
	timeout time.Duration
}

// WithTimeout bounds every call to a. A timeout or error yields a HOLD
// decision together with the error, so callers that ignore the error
// still do nothing.
func WithTimeout(a Advisor, d time.Duration) Advisor {
	return &timeoutAdvisor{next: a, timeout: d}
}

func (t *timeoutAdvisor) Evaluate(ctx context.Context, c Context) (Decision, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	type result struct {
		d   Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := t.next.Evaluate(ctx, c)
		ch <- result{d, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return holdFor("timeout"), fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		return holdFor("canceled"), ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return holdFor("error"), r.err
		}
		if err := r.d.Validate(); err != nil {
			return holdFor("invalid"), err
		}
		r.d.Verdict = Verdict(strings.ToUpper(string(r.d.Verdict)))
		return r.d, nil
	}
}

func holdFor(reason string) Decision {
	return Decision{Verdict: Hold, Reason: reason}
}
