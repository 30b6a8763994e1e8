package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/retune/internal/observe"
	"github.com/MrWong99/retune/pkg/audio"
	"github.com/MrWong99/retune/pkg/audio/device"
	"github.com/MrWong99/retune/pkg/provider/shifter"
)

const defaultEventBuffer = 64

// Config is one start request. It is validated as a whole before any
// hardware resource is touched.
type Config struct {
	// InputDevice and OutputDevice select endpoints by exact ID or, failing
	// that, by the first display name containing the text
	// (case-insensitive). Empty selects the first capable device.
	InputDevice  string
	OutputDevice string

	// SampleRate in Hz. Zero selects the lower of the two devices' default
	// rates.
	SampleRate int

	// BlockSize is the number of frames per hardware period.
	BlockSize int

	// OutputChannels to replicate the processed signal across. Zero selects
	// the output device's maximum.
	OutputChannels int

	// InitialRatio, when non-zero, is stored in the [Controller] before the
	// stream opens. Zero keeps the controller's current ratio.
	InitialRatio float64

	// ShifterOptions are passed verbatim to the shifter factory.
	ShifterOptions map[string]any
}

// ActiveStream describes the stream a running session negotiated.
type ActiveStream struct {
	ID             string
	Input          audio.Device
	Output         audio.Device
	SampleRate     int
	BlockSize      int
	OutputChannels int
}

// Session owns at most one duplex stream and drives the lifecycle state
// machine:
//
//	Stopped  --Start-->  Starting --ok--> Running
//	Starting --device/open failure--> Error
//	Starting --invalid config--> Stopped
//	Running  --Stop--> Stopping --> Stopped
//	Running  --driver fatal--> Error
//	Error    --Reset--> Stopped
//
// Start, Stop and Reset are serialised by a single lifecycle lock, so two
// concurrent starts can never open two streams. State may be read from any
// goroutine without blocking.
type Session struct {
	driver      audio.Driver
	registry    *device.Registry
	newShifter  shifter.Factory
	shifterName string
	ctrl        *Controller
	latency     *Latency
	obs         Observer
	metrics     *observe.Metrics
	log         *slog.Logger
	eventBuffer int

	state atomic.Int32

	mu           sync.Mutex
	gen          uint64
	stream       audio.Stream
	stopDispatch chan struct{}
	dispatchDone chan struct{}
	active       ActiveStream
	lastErr      error
}

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithObserver registers the observer for state, latency and error
// notifications.
func WithObserver(o Observer) SessionOption {
	return func(s *Session) { s.obs = o }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithShifterName sets the label used for the shifter in logs and metrics.
func WithShifterName(name string) SessionOption {
	return func(s *Session) { s.shifterName = name }
}

// WithEventBuffer sets the capacity of the audio-to-control event queue.
func WithEventBuffer(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// WithLatency shares a latency metric across sessions. By default each
// Session allocates its own.
func WithLatency(l *Latency) SessionOption {
	return func(s *Session) { s.latency = l }
}

// NewSession creates a stopped session. newShifter is called once per
// start with the negotiated sample rate.
func NewSession(drv audio.Driver, newShifter shifter.Factory, ctrl *Controller, opts ...SessionOption) *Session {
	s := &Session{
		driver:      drv,
		registry:    device.NewRegistry(drv),
		newShifter:  newShifter,
		shifterName: "shifter",
		ctrl:        ctrl,
		eventBuffer: defaultEventBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.latency == nil {
		s.latency = &Latency{}
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the error that moved the session into [StateError], or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Active returns the negotiated stream while running. ok is false otherwise.
func (s *Session) Active() (stream ActiveStream, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateRunning {
		return ActiveStream{}, false
	}
	return s.active, true
}

// Controller returns the pitch controller shared with the processor.
func (s *Session) Controller() *Controller { return s.ctrl }

// Latency returns the per-block latency metric.
func (s *Session) Latency() *Latency { return s.latency }

// Devices enumerates the driver's endpoints.
func (s *Session) Devices(ctx context.Context) ([]audio.Device, error) {
	return s.registry.Enumerate(ctx)
}

// Start validates cfg, opens the duplex stream and begins processing.
//
// It returns [ErrConcurrentStart] while starting or running,
// [ErrResetRequired] while in [StateError], an [ErrInvalidConfig] error
// without changing state, and [ErrDeviceNotFound] or [ErrStreamOpen] errors
// after moving to [StateError]. On any failure no stream is left open.
func (s *Session) Start(ctx context.Context, cfg Config) error {
	ctx, span := observe.StartSpan(ctx, "engine.Session.Start")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); {
	case st.Active():
		return ErrConcurrentStart
	case st == StateError:
		return ErrResetRequired
	}

	s.setState(StateStarting)

	plan, err := s.prepare(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrInvalidConfig) {
			s.metrics.RecordSessionStart(ctx, "invalid_config")
			s.setState(StateStopped)
			return err
		}
		s.failStart(ctx, err, "device_not_found")
		return err
	}

	id := uuid.NewString()
	log := s.log.With("session_id", id)
	span.SetAttributes(
		attribute.String("session.id", id),
		attribute.Int("audio.sample_rate", plan.stream.SampleRate),
		attribute.Int("audio.block_size", plan.stream.BlockSize),
	)

	if cfg.InitialRatio != 0 {
		// Validated in prepare.
		_ = s.ctrl.Set(cfg.InitialRatio)
	}

	s.gen++
	gen := s.gen
	queue := newEventQueue(s.eventBuffer)
	proc := NewProcessor(plan.shifter, s.ctrl, s.latency, queue, plan.stream.BlockSize)

	stream, err := s.driver.OpenDuplex(plan.stream, proc.Process, audio.StreamEvents{
		OnStatus: queue.Status,
		OnFatal: func(cause error) {
			// May run on a driver thread; never block it on the lifecycle lock.
			go s.handleFatal(gen, cause)
		},
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStreamOpen, err)
		span.RecordError(err)
		s.failStart(ctx, err, "stream_open")
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	d := &dispatcher{
		queue:   queue,
		log:     log,
		metrics: s.metrics,
		obs:     s.obs,
		shifter: s.shifterName,
	}
	go func() {
		defer close(done)
		d.run(stop)
	}()

	if err := stream.Start(); err != nil {
		if cerr := stream.Close(); cerr != nil {
			log.Warn("close after failed start", "err", cerr)
		}
		close(stop)
		<-done
		err = fmt.Errorf("%w: start: %w", ErrStreamOpen, err)
		span.RecordError(err)
		s.failStart(ctx, err, "stream_open")
		return err
	}

	s.stream = stream
	s.stopDispatch = stop
	s.dispatchDone = done
	s.active = ActiveStream{
		ID:             id,
		Input:          plan.input,
		Output:         plan.output,
		SampleRate:     plan.stream.SampleRate,
		BlockSize:      plan.stream.BlockSize,
		OutputChannels: plan.stream.OutputChannels,
	}
	s.latency.setBudget(plan.stream.BlockSize, plan.stream.SampleRate)
	s.metrics.RecordSessionStart(ctx, "ok")

	log.Info("audio session started",
		"input", plan.input.Name,
		"output", plan.output.Name,
		"sample_rate", plan.stream.SampleRate,
		"block_size", plan.stream.BlockSize,
		"output_channels", plan.stream.OutputChannels,
		"shifter", s.shifterName,
		"target_hz", s.ctrl.TargetHz(),
	)
	s.setState(StateRunning)
	return nil
}

// Stop closes the stream and waits for in-flight callbacks to finish. It is
// a no-op unless the session is running. The session always ends in
// [StateStopped]; a non-nil error reports a problem releasing the hardware.
func (s *Session) Stop(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "engine.Session.Stop")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.setState(StateStopping)
	id := s.active.ID
	err := s.release()
	s.setState(StateStopped)

	log := observe.Logger(observe.WithSessionID(ctx, id))
	if err != nil {
		span.RecordError(err)
		log.Warn("audio session stopped with error", "err", err)
		return fmt.Errorf("engine: stop: %w", err)
	}
	log.Info("audio session stopped")
	return nil
}

// Reset acknowledges a failure and returns the session to [StateStopped].
// It is a no-op in every other state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateError {
		return
	}
	s.lastErr = nil
	s.setState(StateStopped)
}

// ── internals ────────────────────────────────────────────────────────────────

type startPlan struct {
	input   audio.Device
	output  audio.Device
	stream  audio.StreamConfig
	shifter shifter.Shifter
}

func (s *Session) prepare(ctx context.Context, cfg Config) (startPlan, error) {
	var errs []error
	if cfg.BlockSize <= 0 {
		errs = append(errs, invalidConfig("block size must be positive, got %d", cfg.BlockSize))
	}
	if cfg.SampleRate < 0 {
		errs = append(errs, invalidConfig("sample rate must not be negative, got %d", cfg.SampleRate))
	}
	if cfg.OutputChannels < 0 {
		errs = append(errs, invalidConfig("output channels must not be negative, got %d", cfg.OutputChannels))
	}
	if cfg.InitialRatio != 0 {
		if err := (&Controller{}).Set(cfg.InitialRatio); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return startPlan{}, errors.Join(errs...)
	}

	in, err := s.registry.Resolve(ctx, cfg.InputDevice, device.Input)
	if err != nil {
		return startPlan{}, resolveError("input", err)
	}
	out, err := s.registry.Resolve(ctx, cfg.OutputDevice, device.Output)
	if err != nil {
		return startPlan{}, resolveError("output", err)
	}

	outCh := cfg.OutputChannels
	if outCh == 0 {
		outCh = out.MaxOutputChannels
	}
	if outCh > out.MaxOutputChannels {
		return startPlan{}, invalidConfig("output device %q supports %d channels, %d requested",
			out.Name, out.MaxOutputChannels, outCh)
	}

	rate := cfg.SampleRate
	if rate == 0 {
		rate = min(in.DefaultSampleRate, out.DefaultSampleRate)
	}
	if rate <= 0 {
		return startPlan{}, invalidConfig("no usable sample rate for %q and %q", in.Name, out.Name)
	}

	sh, err := s.newShifter(shifter.Config{SampleRate: rate, Options: cfg.ShifterOptions})
	if err != nil {
		return startPlan{}, invalidConfig("create shifter %q: %v", s.shifterName, err)
	}

	return startPlan{
		input:  in,
		output: out,
		stream: audio.StreamConfig{
			InputDeviceID:  in.ID,
			OutputDeviceID: out.ID,
			SampleRate:     rate,
			BlockSize:      cfg.BlockSize,
			InputChannels:  1,
			OutputChannels: outCh,
		},
		shifter: sh,
	}, nil
}

// release closes the stream and joins the dispatcher. Caller holds mu.
func (s *Session) release() error {
	err := s.stream.Close()
	s.stream = nil
	close(s.stopDispatch)
	<-s.dispatchDone
	s.stopDispatch, s.dispatchDone = nil, nil
	// Fatal callbacks from the released stream are now stale.
	s.gen++
	return err
}

// failStart records a start failure and moves to StateError. Caller holds mu.
// resolveError classifies a device lookup failure: a device that exists but
// faces the wrong way is a configuration mistake, anything else means the
// device is missing.
func resolveError(role string, err error) error {
	if errors.Is(err, device.ErrWrongDirection) {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, role, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, role, err)
}

func (s *Session) failStart(ctx context.Context, err error, result string) {
	s.lastErr = err
	s.metrics.RecordSessionStart(ctx, result)
	s.log.Error("audio session failed to start", "err", err)
	s.setState(StateError)
}

func (s *Session) handleFatal(gen uint64, cause error) {
	ctx, span := observe.StartSpan(context.Background(), "engine.Session.fatal",
		trace.WithAttributes(attribute.String("cause", cause.Error())))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.State() != StateRunning {
		return
	}

	err := fmt.Errorf("%w: %w", ErrStreamFatal, cause)
	id := s.active.ID
	if cerr := s.release(); cerr != nil {
		s.log.Warn("release after fatal stream error", "session_id", id, "err", cerr)
	}
	s.lastErr = err
	span.RecordError(err)
	observe.Logger(observe.WithSessionID(ctx, id)).Error("audio stream terminated", "err", err)
	s.setState(StateError)
	if s.obs != nil {
		s.obs.OnError(err)
	}
}

// setState publishes a transition. Caller holds mu.
func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.Debug("session state changed", "from", from.String(), "to", to.String())
	s.metrics.RecordStateTransition(context.Background(), from.String(), to.String())
	if s.obs != nil {
		s.obs.OnStateChanged(from, to)
	}
}
