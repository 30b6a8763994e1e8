package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every stage in a [Chain] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all stages failed")

type stage[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain is an ordered list of interchangeable stages, each guarded by its own
// [Breaker]. Stages are added before first use; the list is not modified
// afterwards.
type Chain[T any] struct {
	stages     []stage[T]
	breakerCfg BreakerConfig
	onFallback func(name string, err error)
}

// ChainOption configures a [Chain].
type ChainOption func(*chainOptions)

type chainOptions struct {
	breaker    BreakerConfig
	onFallback func(name string, err error)
}

// WithBreakerConfig sets the template for each stage's breaker. Name is
// overwritten with the stage name.
func WithBreakerConfig(cfg BreakerConfig) ChainOption {
	return func(o *chainOptions) { o.breaker = cfg }
}

// WithFallbackHook registers a callback invoked whenever a stage fails or is
// skipped and the chain moves on.
func WithFallbackHook(fn func(name string, err error)) ChainOption {
	return func(o *chainOptions) { o.onFallback = fn }
}

// NewChain creates a chain whose first stage is primary.
func NewChain[T any](name string, primary T, opts ...ChainOption) *Chain[T] {
	var o chainOptions
	for _, opt := range opts {
		opt(&o)
	}
	c := &Chain[T]{breakerCfg: o.breaker, onFallback: o.onFallback}
	c.Add(name, primary)
	return c
}

// Add appends a fallback stage.
func (c *Chain[T]) Add(name string, value T) {
	cfg := c.breakerCfg
	cfg.Name = name
	c.stages = append(c.stages, stage[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Names returns the stage names in order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.stages))
	for i, s := range c.stages {
		out[i] = s.name
	}
	return out
}

// Breaker returns the breaker of the named stage, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for _, s := range c.stages {
		if s.name == name {
			return s.breaker
		}
	}
	return nil
}

// Do runs fn against each stage until one succeeds and returns that stage's
// name. A cancelled ctx stops the chain immediately with ctx.Err().
func (c *Chain[T]) Do(ctx context.Context, fn func(context.Context, T) error) (string, error) {
	_, used, err := Run(ctx, c, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return used, err
}

// Run is [Chain.Do] for stages that produce a value.
func Run[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i := range c.stages {
		s := &c.stages[i]
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		var out R
		err := s.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, s.value)
			return err
		})
		if err == nil {
			return out, s.name, nil
		}
		if ctx.Err() != nil {
			return zero, "", ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping stage, circuit open", "stage", s.name)
		} else {
			slog.Warn("stage failed", "stage", s.name, "err", err)
		}
		if i < len(c.stages)-1 && c.onFallback != nil {
			c.onFallback(s.name, err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
