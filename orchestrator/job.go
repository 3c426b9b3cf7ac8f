package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/tradeguard/market"
	"github.com/rustyeddy/tradeguard/mode"
)

const (
	DefaultScope   = "PORTFOLIO"
	DefaultLockTTL = 5 * time.Minute
)

// Job is one scheduled unit of work. Jobs sharing a LockName never run
// concurrently; Modes lists the modes the job acts on.
type Job struct {
	Name      string        `json:"name" yaml:"name"`
	LockName  string        `json:"lock_name" yaml:"lock_name"`
	Scope     string        `json:"scope" yaml:"scope"`
	Timeframe string        `json:"timeframe" yaml:"timeframe"`
	Modes     []mode.Mode   `json:"modes" yaml:"modes"`
	Interval  time.Duration `json:"interval" yaml:"interval"`
	LockTTL   time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

func (j Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job: name is required")
	}
	if strings.Contains(j.Name, "|") || strings.Contains(j.Scope, "|") {
		return fmt.Errorf("job %s: name and scope must not contain '|'", j.Name)
	}
	if _, err := market.ParseTimeframe(j.Timeframe); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	if len(j.Modes) == 0 {
		return fmt.Errorf("job %s: at least one mode is required", j.Name)
	}
	for _, m := range j.Modes {
		if _, err := mode.Parse(string(m)); err != nil || m == mode.Blocked {
			return fmt.Errorf("job %s: invalid mode %q", j.Name, m)
		}
	}
	if j.LockTTL < 0 || j.Interval < 0 {
		return fmt.Errorf("job %s: durations must not be negative", j.Name)
	}
	return nil
}

func (j Job) lockName() string {
	if j.LockName != "" {
		return j.LockName
	}
	return j.Name
}

func (j Job) scope() string {
	if j.Scope != "" {
		return j.Scope
	}
	return DefaultScope
}

func (j Job) lockTTL() time.Duration {
	if j.LockTTL > 0 {
		return j.LockTTL
	}
	return DefaultLockTTL
}

func (j Job) allows(m mode.Mode) bool {
	for _, jm := range j.Modes {
		if strings.EqualFold(string(jm), string(m)) {
			return true
		}
	}
	return false
}
