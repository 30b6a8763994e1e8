// Package resilience provides a circuit breaker and an ordered fallback chain
// for external conversion stages (ffmpeg, rubberband, the built-in shifter).
//
// A [Breaker] stops a batch from invoking a stage that keeps failing, for
// example a rubberband binary that is not installed. A [Chain] tries its
// stages in order, skipping any whose breaker is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probes through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels log lines and the OnStateChange callback.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing. Default: 1m.
	CoolDown time.Duration

	// Probes is the number of successful half-open calls required to close
	// again. Default: 1.
	Probes int

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker. Calls that end with the caller's
// context being cancelled are not counted as failures.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker creates a closed [Breaker]. Zero-valued config fields take
// their defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = time.Minute
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Name returns the configured label.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn unless the breaker is open. The result of fn is returned
// unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, transition, err := b.admit()
	b.notify(transition)
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.notify(b.settle(ctx, probe, err))
	return err
}

type transition struct{ from, to State }

func (b *Breaker) admit() (probe bool, t *transition, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
			return false, nil, ErrCircuitOpen
		}
		t = b.setLocked(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.successes >= b.cfg.Probes {
			return false, t, ErrCircuitOpen
		}
		b.inFlight++
		return true, t, nil
	}
	return false, t, nil
}

func (b *Breaker) settle(ctx context.Context, probe bool, err error) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.inFlight--
	}
	if err != nil && ctx.Err() != nil {
		// Cancelled by the caller; says nothing about the stage.
		return nil
	}

	switch {
	case err == nil && probe && b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.Probes {
			return b.setLocked(StateClosed)
		}
	case err == nil:
		b.failures = 0
	case probe && b.state == StateHalfOpen:
		return b.setLocked(StateOpen)
	case b.state == StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			return b.setLocked(StateOpen)
		}
	}
	return nil
}

// setLocked moves to s and resets the per-state counters. b.mu must be held.
func (b *Breaker) setLocked(s State) *transition {
	t := &transition{from: b.state, to: s}
	b.state = s
	b.failures = 0
	b.successes = 0
	if s == StateOpen {
		b.openedAt = b.now()
	}
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil || t.from == t.to {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"name", b.cfg.Name, "from", t.from.String(), "to", t.to.String())
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setLocked(StateClosed)
	b.mu.Unlock()
	b.notify(t)
}
