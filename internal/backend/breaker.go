package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrUnavailable is returned by [Breaker.Do] while the breaker is open.
var ErrUnavailable = errors.New("backend: unavailable, circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrUnavailable] until the cool-down
	// elapses.
	BreakerOpen

	// BreakerHalfOpen lets a single probe through. Its outcome closes or
	// re-opens the breaker.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Name labels log records, e.g. "speech".
	Name string

	// MaxFailures is the number of consecutive outage failures that opens
	// the breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	Logger *slog.Logger

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

// Breaker stops hammering a backend that is down. Only outages count as
// failures: transport errors and 5xx responses. Client errors (4xx) and
// cancellation of the caller's context leave it untouched.
//
// A Breaker is safe for concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	log         *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		log:         cfg.Logger,
		now:         cfg.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 5
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(ctx, probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, fmt.Errorf("%w (%s)", ErrUnavailable, b.name)
		}
		b.state = BreakerHalfOpen
		b.log.Info("backend circuit half-open", "backend", b.name)
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			return false, fmt.Errorf("%w (%s)", ErrUnavailable, b.name)
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(ctx context.Context, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	switch {
	case err != nil && ctx.Err() != nil:
		// The caller gave up; the outcome says nothing about the backend.
		return
	case !isOutage(err):
		if b.state != BreakerClosed {
			b.log.Info("backend circuit closed", "backend", b.name)
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if probe || b.failures >= b.maxFailures {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.log.Warn("backend circuit opened", "backend", b.name, "consecutive_failures", b.failures, "err", err)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [BreakerHalfOpen].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

func isOutage(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	return !errors.Is(err, ErrBadResponse)
}
