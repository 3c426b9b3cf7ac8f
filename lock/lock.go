// Package lock provides non-blocking, TTL-bounded mutual exclusion per
// logical job name. Acquisition is all-or-nothing: it either returns a
// holder token immediately or fails. An unreachable backend fails closed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/pkg/logger"
)

var (
	// ErrLocked means a live holder owns the lock.
	ErrLocked = errors.New("lock: held by another holder")
	// ErrUnavailable means the backend could not be reached; the lock is
	// treated as held.
	ErrUnavailable = errors.New("lock: backend unavailable")
)

// Record is the persisted state of one lock.
type Record struct {
	Name        string
	HolderToken string
	ExpiresAt   time.Time
}

// Backend stores lock records. TryAcquire must be atomic: it succeeds only
// when no record exists for name or the existing record expired at or
// before now.
type Backend interface {
	TryAcquire(ctx context.Context, name, token string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, name, token string) (bool, error)
	Holder(ctx context.Context, name string, now time.Time) (Record, bool, error)
}

type Manager struct {
	backend   Backend
	clock     clock.Clock
	log       *zap.Logger
	opTimeout time.Duration
}

type Option func(*Manager)

// WithOpTimeout bounds each backend round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) { m.opTimeout = d }
}

func NewManager(b Backend, c clock.Clock, log *zap.Logger, opts ...Option) *Manager {
	if c == nil {
		c = clock.System{}
	}
	m := &Manager{
		backend:   b,
		clock:     c,
		log:       logger.OrNop(log).Named("lock"),
		opTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire returns a holder token, ErrLocked when a live holder exists, or
// ErrUnavailable when the backend fails.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if name == "" {
		return "", fmt.Errorf("lock: empty name")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("lock %q: ttl must be positive", name)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	token := id.New()
	ok, err := m.backend.TryAcquire(ctx, name, token, ttl, m.clock.Now())
	if err != nil {
		m.log.Warn("acquire failed closed", zap.String("name", name), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return "", ErrLocked
	}

	m.log.Debug("acquired", zap.String("name", name), zap.String("token", token), zap.Duration("ttl", ttl))
	return token, nil
}

// Release frees the lock if token is still the live holder.
func (m *Manager) Release(ctx context.Context, name, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	ok, err := m.backend.Release(ctx, name, token)
	if err != nil {
		m.log.Warn("release failed", zap.String("name", name), zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		m.log.Warn("release by non-holder or after expiry", zap.String("name", name), zap.String("token", token))
	}
	return ok, nil
}

// IsLocked reports whether a live holder exists. Backend errors report
// true alongside the error.
func (m *Manager) IsLocked(ctx context.Context, name string) (bool, error) {
	rec, err := m.Status(ctx, name)
	if err != nil {
		return true, err
	}
	return rec != nil, nil
}

// Status returns the live holder record, or nil when the lock is free.
func (m *Manager) Status(ctx context.Context, name string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	rec, ok, err := m.backend.Holder(ctx, name, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// WithLock runs fn while holding name. The lock is released on every exit
// path, including a panic in fn, using a context that survives
// cancellation of ctx.
func (m *Manager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	token, err := m.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Release(context.WithoutCancel(ctx), name, token)
	}()
	return fn(ctx)
}
