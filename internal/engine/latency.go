package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/retune/internal/observe"
)

// Latency is the last observed per-block processing duration. The audio
// context is the only writer; any goroutine may read. Values are advisory:
// a reader may see a duration from one block and a count from the next.
type Latency struct {
	last   atomic.Int64
	blocks atomic.Uint64
	budget atomic.Int64
}

// Store records the duration of the block that just finished.
func (l *Latency) Store(d time.Duration) {
	l.last.Store(int64(d))
	l.blocks.Add(1)
}

// Load returns the most recent block duration and the number of blocks
// processed so far.
func (l *Latency) Load() (last time.Duration, blocks uint64) {
	return time.Duration(l.last.Load()), l.blocks.Load()
}

// Budget returns the wall-clock length of one block for the active stream
// configuration, or zero when no session has started.
func (l *Latency) Budget() time.Duration {
	return time.Duration(l.budget.Load())
}

func (l *Latency) setBudget(blockSize, sampleRate int) {
	if sampleRate <= 0 {
		l.budget.Store(0)
		return
	}
	l.budget.Store(int64(time.Duration(blockSize) * time.Second / time.Duration(sampleRate)))
}

// LatencySample is one reading taken by the [LatencyMonitor].
type LatencySample struct {
	// Instant is the duration of the most recent block.
	Instant time.Duration

	// Smoothed is an exponential moving average over samples.
	Smoothed time.Duration

	// Budget is the real-time deadline per block.
	Budget time.Duration

	// Blocks is the total number of blocks processed.
	Blocks uint64

	// At is when the sample was taken.
	At time.Time
}

// Load returns Instant as a fraction of Budget; above 1 the processor is
// missing its deadline. Zero when the budget is unknown.
func (s LatencySample) Load() float64 {
	if s.Budget <= 0 {
		return 0
	}
	return float64(s.Instant) / float64(s.Budget)
}

const (
	defaultSampleInterval = 100 * time.Millisecond
	defaultSmoothing      = 0.2
)

// LatencyMonitor periodically samples a [Latency], smooths it, records it as
// a metric and forwards it to an [Observer]. Samples are only emitted when
// new blocks were processed since the previous tick.
type LatencyMonitor struct {
	src      *Latency
	obs      Observer
	metrics  *observe.Metrics
	interval time.Duration
	alpha    float64

	mu         sync.Mutex
	last       LatencySample
	lastBlocks uint64
	primed     bool
}

// MonitorOption configures a [LatencyMonitor].
type MonitorOption func(*LatencyMonitor)

// WithSampleInterval sets the polling period. Non-positive values are ignored.
func WithSampleInterval(d time.Duration) MonitorOption {
	return func(m *LatencyMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithSmoothing sets the EMA weight given to each new sample, in (0, 1].
func WithSmoothing(alpha float64) MonitorOption {
	return func(m *LatencyMonitor) {
		if alpha > 0 && alpha <= 1 {
			m.alpha = alpha
		}
	}
}

// WithMonitorMetrics overrides the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithMonitorMetrics(mt *observe.Metrics) MonitorOption {
	return func(m *LatencyMonitor) { m.metrics = mt }
}

// NewLatencyMonitor creates a monitor over src. obs may be nil.
func NewLatencyMonitor(src *Latency, obs Observer, opts ...MonitorOption) *LatencyMonitor {
	m := &LatencyMonitor{
		src:      src,
		obs:      obs,
		interval: defaultSampleInterval,
		alpha:    defaultSmoothing,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Run samples until ctx is cancelled. It always returns nil so it can be
// placed directly in an errgroup.
func (m *LatencyMonitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			m.Sample(ctx, now)
		}
	}
}

// Sample takes one reading. It returns false when no block has been
// processed since the previous reading.
func (m *LatencyMonitor) Sample(ctx context.Context, now time.Time) bool {
	instant, blocks := m.src.Load()

	m.mu.Lock()
	if blocks == m.lastBlocks {
		m.mu.Unlock()
		return false
	}
	m.lastBlocks = blocks
	smoothed := instant
	if m.primed {
		prev := float64(m.last.Smoothed)
		smoothed = time.Duration(prev + m.alpha*(float64(instant)-prev))
	}
	m.primed = true
	m.last = LatencySample{
		Instant:  instant,
		Smoothed: smoothed,
		Budget:   m.src.Budget(),
		Blocks:   blocks,
		At:       now,
	}
	s := m.last
	m.mu.Unlock()

	m.metrics.RecordBlockDuration(ctx, instant)
	if m.obs != nil {
		m.obs.OnLatencyUpdated(s)
	}
	return true
}

// Snapshot returns the most recent sample.
func (m *LatencyMonitor) Snapshot() LatencySample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
