package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/retune/internal/engine"
	"github.com/MrWong99/retune/pkg/audio"
	audiomock "github.com/MrWong99/retune/pkg/audio/mock"
	"github.com/MrWong99/retune/pkg/provider/shifter"
	shiftermock "github.com/MrWong99/retune/pkg/provider/shifter/mock"
)

type transition struct{ from, to engine.State }

// recorder is an Observer that captures everything it is told.
type recorder struct {
	mu          sync.Mutex
	transitions []transition
	errs        chan error
}

func newRecorder() *recorder {
	return &recorder{errs: make(chan error, 64)}
}

func (r *recorder) OnStateChanged(from, to engine.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{from, to})
}

func (r *recorder) OnLatencyUpdated(engine.LatencySample) {}

func (r *recorder) OnError(err error) { r.errs <- err }

func (r *recorder) Transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...)
}

func testDevices() []audio.Device {
	return []audio.Device{
		{ID: "cap:1", Name: "CABLE Output (VB-Audio)", MaxInputChannels: 2, DefaultSampleRate: 48000},
		{ID: "pb:1", Name: "Speakers (Realtek)", MaxOutputChannels: 2, DefaultSampleRate: 44100},
	}
}

func testConfig() engine.Config {
	return engine.Config{
		InputDevice:  "cable",
		OutputDevice: "speakers",
		BlockSize:    16,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, drv *audiomock.Driver, sh *shiftermock.Shifter) (*engine.Session, *recorder) {
	t.Helper()
	rec := newRecorder()
	s := engine.NewSession(drv, shiftermock.Factory(sh, nil), engine.NewController(1),
		engine.WithObserver(rec),
		engine.WithLogger(discardLogger()),
		engine.WithShifterName("mock"),
	)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_StartStop(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, rec := newTestSession(t, drv, &shiftermock.Shifter{})
	ctx := context.Background()

	if err := s.Start(ctx, testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != engine.StateRunning {
		t.Fatalf("state = %v, want running", s.State())
	}

	cfg := drv.OpenedConfigs[0]
	want := audio.StreamConfig{
		InputDeviceID:  "cap:1",
		OutputDeviceID: "pb:1",
		SampleRate:     44100,
		BlockSize:      16,
		InputChannels:  1,
		OutputChannels: 2,
	}
	if cfg != want {
		t.Errorf("stream config = %+v, want %+v", cfg, want)
	}
	active, ok := s.Active()
	if !ok || active.ID == "" || active.Output.Name != "Speakers (Realtek)" {
		t.Errorf("Active = %+v, %v", active, ok)
	}
	if s.Latency().Budget() != 16*time.Second/44100 {
		t.Errorf("budget = %v", s.Latency().Budget())
	}

	stream := drv.LastStream()
	in := ramp(16, 1)
	out := audio.NewBlock(16, 2)
	if !stream.Pump(out, in) {
		t.Fatal("stream not started")
	}
	if out.Samples[0] != in.Samples[0] || out.Samples[1] != in.Samples[0] {
		t.Errorf("first frame = (%v, %v), want %v on both channels", out.Samples[0], out.Samples[1], in.Samples[0])
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != engine.StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
	if !stream.Closed() || drv.OpenStreams() != 0 {
		t.Error("stream left open after Stop")
	}
	if _, ok := s.Active(); ok {
		t.Error("Active reported a stream after Stop")
	}

	wantTransitions := []transition{
		{engine.StateStopped, engine.StateStarting},
		{engine.StateStarting, engine.StateRunning},
		{engine.StateRunning, engine.StateStopping},
		{engine.StateStopping, engine.StateStopped},
	}
	got := rec.Transitions()
	if len(got) != len(wantTransitions) {
		t.Fatalf("transitions = %v, want %v", got, wantTransitions)
	}
	for i := range got {
		if got[i] != wantTransitions[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], wantTransitions[i])
		}
	}
}

func TestSession_DoubleStart(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, _ := newTestSession(t, drv, &shiftermock.Shifter{})
	ctx := context.Background()

	if err := s.Start(ctx, testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, testConfig()); !errors.Is(err, engine.ErrConcurrentStart) {
		t.Errorf("second Start error = %v, want ErrConcurrentStart", err)
	}
	if s.State() != engine.StateRunning {
		t.Errorf("state = %v, want running", s.State())
	}
	if drv.CallCountOpenDuplex != 1 || drv.OpenStreams() != 1 {
		t.Errorf("opened %d streams (%d open), want exactly 1", drv.CallCountOpenDuplex, drv.OpenStreams())
	}
}

func TestSession_ConcurrentStartsOpenOneStream(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, _ := newTestSession(t, drv, &shiftermock.Shifter{})

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Start(context.Background(), testConfig())
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrConcurrentStart):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != n-1 {
		t.Errorf("ok=%d rejected=%d, want 1 and %d", ok, rejected, n-1)
	}
	if drv.OpenStreams() != 1 {
		t.Errorf("open streams = %d, want 1", drv.OpenStreams())
	}
}

func TestSession_StopIsNoOpWhenNotRunning(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, rec := newTestSession(t, drv, &shiftermock.Shifter{})

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop while stopped: %v", err)
	}
	if len(rec.Transitions()) != 0 {
		t.Errorf("Stop while stopped produced transitions: %v", rec.Transitions())
	}

	drv.OpenErr = errors.New("busy")
	_ = s.Start(context.Background(), testConfig())
	if s.State() != engine.StateError {
		t.Fatalf("state = %v, want error", s.State())
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop while in error: %v", err)
	}
	if s.State() != engine.StateError {
		t.Errorf("Stop changed error state to %v", s.State())
	}
}

func TestSession_InvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*engine.Config)
	}{
		{"zero block size", func(c *engine.Config) { c.BlockSize = 0 }},
		{"negative sample rate", func(c *engine.Config) { c.SampleRate = -1 }},
		{"negative initial ratio", func(c *engine.Config) { c.InitialRatio = -1 }},
		{"more channels than the device has", func(c *engine.Config) { c.OutputChannels = 6 }},
		{"capture device selected as output", func(c *engine.Config) { c.OutputDevice = "cable" }},
		{"playback device selected as input by ID", func(c *engine.Config) { c.InputDevice = "pb:1" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			drv := &audiomock.Driver{DevicesResult: testDevices()}
			s, rec := newTestSession(t, drv, &shiftermock.Shifter{})
			cfg := testConfig()
			tc.mutate(&cfg)

			err := s.Start(context.Background(), cfg)
			if !errors.Is(err, engine.ErrInvalidConfig) {
				t.Fatalf("error = %v, want ErrInvalidConfig", err)
			}
			if s.State() != engine.StateStopped {
				t.Errorf("state = %v, want stopped", s.State())
			}
			if drv.CallCountOpenDuplex != 0 {
				t.Errorf("OpenDuplex called %d times before validation failed", drv.CallCountOpenDuplex)
			}
			tr := rec.Transitions()
			if len(tr) != 2 || tr[1].to != engine.StateStopped {
				t.Errorf("transitions = %v", tr)
			}
		})
	}
}

func TestSession_ShifterConstructionFailureIsInvalidConfig(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s := engine.NewSession(drv, shiftermock.Factory(nil, errors.New("frame_size must be a power of two")),
		engine.NewController(1), engine.WithLogger(discardLogger()))

	err := s.Start(context.Background(), testConfig())
	if !errors.Is(err, engine.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
	if drv.CallCountOpenDuplex != 0 {
		t.Error("stream opened despite shifter failure")
	}
}

func TestSession_ShifterReceivesNegotiatedRate(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	var got shifter.Config
	factory := func(cfg shifter.Config) (shifter.Shifter, error) {
		got = cfg
		return &shiftermock.Shifter{}, nil
	}
	s := engine.NewSession(drv, factory, engine.NewController(1), engine.WithLogger(discardLogger()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	cfg := testConfig()
	cfg.ShifterOptions = map[string]any{"sequence_ms": 40.0}
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if got.SampleRate != 44100 || got.Options["sequence_ms"] != 40.0 {
		t.Errorf("shifter config = %+v", got)
	}
}

func TestSession_DeviceNotFoundNeedsReset(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, _ := newTestSession(t, drv, &shiftermock.Shifter{})
	ctx := context.Background()

	cfg := testConfig()
	cfg.OutputDevice = "nonexistent"
	err := s.Start(ctx, cfg)
	if !errors.Is(err, engine.ErrDeviceNotFound) {
		t.Fatalf("error = %v, want ErrDeviceNotFound", err)
	}
	if s.State() != engine.StateError {
		t.Fatalf("state = %v, want error", s.State())
	}
	if !errors.Is(s.Err(), engine.ErrDeviceNotFound) {
		t.Errorf("Err() = %v", s.Err())
	}

	if err := s.Start(ctx, testConfig()); !errors.Is(err, engine.ErrResetRequired) {
		t.Errorf("Start in error state = %v, want ErrResetRequired", err)
	}

	s.Reset()
	if s.State() != engine.StateStopped || s.Err() != nil {
		t.Fatalf("after Reset: state %v, err %v", s.State(), s.Err())
	}
	if err := s.Start(ctx, testConfig()); err != nil {
		t.Errorf("Start after Reset: %v", err)
	}
}

func TestSession_ResetIsNoOpOutsideError(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, rec := newTestSession(t, drv, &shiftermock.Shifter{})
	if err := s.Start(context.Background(), testConfig()); err != nil {
		t.Fatal(err)
	}
	before := len(rec.Transitions())
	s.Reset()
	if s.State() != engine.StateRunning || len(rec.Transitions()) != before {
		t.Errorf("Reset while running changed state to %v", s.State())
	}
}

func TestSession_StreamOpenFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(*audiomock.Driver)
	}{
		{"open refused", func(d *audiomock.Driver) { d.OpenErr = errors.New("device busy") }},
		{"start refused", func(d *audiomock.Driver) { d.StartErr = errors.New("exclusive mode") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			drv := &audiomock.Driver{DevicesResult: testDevices()}
			tc.setup(drv)
			s, _ := newTestSession(t, drv, &shiftermock.Shifter{})

			err := s.Start(context.Background(), testConfig())
			if !errors.Is(err, engine.ErrStreamOpen) {
				t.Fatalf("error = %v, want ErrStreamOpen", err)
			}
			if s.State() != engine.StateError {
				t.Errorf("state = %v, want error", s.State())
			}
			if drv.OpenStreams() != 0 {
				t.Errorf("%d streams left open", drv.OpenStreams())
			}
		})
	}
}

func TestSession_ProcessingErrorKeepsRunning(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	sh := &shiftermock.Shifter{
		Transform:  func(v float32) float32 { return v / 2 },
		FailBlocks: map[int]bool{1: true},
	}
	s, rec := newTestSession(t, drv, sh)
	ctx := context.Background()
	if err := s.Start(ctx, testConfig()); err != nil {
		t.Fatal(err)
	}
	stream := drv.LastStream()

	in := ramp(16, 1)
	for block := range 3 {
		out := audio.NewBlock(16, 2)
		stream.Pump(out, in)
		want := in.Samples[5] / 2
		if block == 1 {
			want = in.Samples[5]
		}
		if out.Samples[10] != want {
			t.Errorf("block %d: frame 5 = %v, want %v", block, out.Samples[10], want)
		}
	}

	select {
	case err := <-rec.errs:
		var perr *engine.ProcessingError
		if !errors.As(err, &perr) || perr.Block != 1 {
			t.Errorf("observer error = %v, want ProcessingError for block 1", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not receive the processing error")
	}
	if s.State() != engine.StateRunning {
		t.Errorf("state = %v, want running", s.State())
	}

	// Stop joins the dispatcher, so every queued event has been delivered.
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.errs); n != 0 {
		t.Errorf("observer received %d extra errors, want exactly one in total", n)
	}
}

func TestSession_LiveRetune(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	sh := &shiftermock.Shifter{}
	s, _ := newTestSession(t, drv, sh)
	cfg := testConfig()
	cfg.InitialRatio = 432.0 / 440
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	stream := drv.LastStream()
	in, out := ramp(16, 1), audio.NewBlock(16, 2)

	stream.Pump(out, in)
	if err := s.Controller().SetTargetHz(528); err != nil {
		t.Fatal(err)
	}
	stream.Pump(out, in)

	if len(sh.Ratios) != 2 || sh.Ratios[0] != 432.0/440 || sh.Ratios[1] != 528.0/440 {
		t.Errorf("ratios seen by shifter = %v", sh.Ratios)
	}
}

func TestSession_FatalStreamError(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, rec := newTestSession(t, drv, &shiftermock.Shifter{})
	if err := s.Start(context.Background(), testConfig()); err != nil {
		t.Fatal(err)
	}
	stream := drv.LastStream()
	cause := errors.New("device unplugged")
	stream.Fail(cause)

	select {
	case err := <-rec.errs:
		if !errors.Is(err, engine.ErrStreamFatal) || !errors.Is(err, cause) {
			t.Errorf("observer error = %v, want ErrStreamFatal wrapping cause", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not receive the fatal error")
	}
	waitFor(t, "error state", func() bool { return s.State() == engine.StateError })
	if !stream.Closed() {
		t.Error("stream not released after fatal error")
	}
	if !errors.Is(s.Err(), engine.ErrStreamFatal) {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestSession_StaleFatalAfterStopIgnored(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, _ := newTestSession(t, drv, &shiftermock.Shifter{})
	ctx := context.Background()
	if err := s.Start(ctx, testConfig()); err != nil {
		t.Fatal(err)
	}
	old := drv.LastStream()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, testConfig()); err != nil {
		t.Fatal(err)
	}

	old.Fail(errors.New("late callback"))
	time.Sleep(50 * time.Millisecond)
	if s.State() != engine.StateRunning {
		t.Errorf("stale fatal moved session to %v", s.State())
	}
}

func TestSession_DriverStatusIsNotFatal(t *testing.T) {
	t.Parallel()
	drv := &audiomock.Driver{DevicesResult: testDevices()}
	s, rec := newTestSession(t, drv, &shiftermock.Shifter{})
	if err := s.Start(context.Background(), testConfig()); err != nil {
		t.Fatal(err)
	}
	drv.LastStream().EmitStatus(audio.StatusOutputUnderflow)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.errs); n != 0 {
		t.Errorf("driver status escalated to %d observer errors", n)
	}
}
