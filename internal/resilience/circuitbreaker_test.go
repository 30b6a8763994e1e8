package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

// fakeClock is advanced by hand so breaker cool-downs never sleep.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(cfg)
	b.now = clk.Now
	return b, clk
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "rubberband"})
	if b.cfg.MaxFailures != 3 {
		t.Errorf("MaxFailures = %d, want 3", b.cfg.MaxFailures)
	}
	if b.cfg.CoolDown != time.Minute {
		t.Errorf("CoolDown = %v, want 1m", b.cfg.CoolDown)
	}
	if b.cfg.Probes != 1 {
		t.Errorf("Probes = %d, want 1", b.cfg.Probes)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if b.Name() != "rubberband" {
		t.Errorf("Name = %q", b.Name())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})
	ctx := context.Background()

	for range 3 {
		if err := b.Do(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("Do returned %v, want errTest", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, succeed)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CancelledCallsDoNotCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		probe func(context.Context) error
		want  State
	}{
		{"success closes", succeed, StateClosed},
		{"failure reopens", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var (
				mu          sync.Mutex
				transitions []string
			)
			b, clk := newTestBreaker(BreakerConfig{
				Name:        "ffmpeg",
				MaxFailures: 1,
				CoolDown:    time.Second,
				OnStateChange: func(name string, from, to State) {
					mu.Lock()
					transitions = append(transitions, from.String()+">"+to.String())
					mu.Unlock()
				},
			})
			ctx := context.Background()

			_ = b.Do(ctx, fail)
			if b.State() != StateOpen {
				t.Fatal("expected open")
			}
			clk.Advance(time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open after cool-down", b.State())
			}

			_ = b.Do(ctx, tt.probe)
			if b.State() != tt.want {
				t.Fatalf("state = %v, want %v", b.State(), tt.want)
			}

			mu.Lock()
			defer mu.Unlock()
			want := []string{"closed>open", "open>half-open", "half-open>" + tt.want.String()}
			if len(transitions) != len(want) {
				t.Fatalf("transitions = %v, want %v", transitions, want)
			}
			for i := range want {
				if transitions[i] != want[i] {
					t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
				}
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(BreakerConfig{MaxFailures: 1, CoolDown: time.Second, Probes: 1})
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	clk.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := b.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent probe: err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1, CoolDown: time.Hour})
	_ = b.Do(context.Background(), fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if err := b.Do(context.Background(), succeed); err != nil {
		t.Fatalf("Do after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
