// Package mock provides in-memory implementations of [audio.Driver] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values. A [Stream] never runs a real audio
// thread: tests drive the registered [audio.ProcessFunc] with [Stream.Pump]
// and simulate driver events with [Stream.EmitStatus] and [Stream.Fail].
//
// Typical usage:
//
//	drv := &mock.Driver{DevicesResult: []audio.Device{
//	    {ID: "in", Name: "Mic", MaxInputChannels: 1, DefaultSampleRate: 48000},
//	}}
//	stream, err := drv.OpenDuplex(cfg, process, events)
//	drv.LastStream().Pump(out, in)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/retune/pkg/audio"
)

// ErrClosed is returned by [Stream.Start] after Close.
var ErrClosed = errors.New("mock: stream closed")

// ─── Driver ───────────────────────────────────────────────────────────────────

// Driver is a mock implementation of [audio.Driver].
// Set the exported Result fields before use; inspect the Call* fields after.
type Driver struct {
	mu sync.Mutex

	// DevicesResult is returned by [Driver.Devices].
	DevicesResult []audio.Device

	// DevicesErr is returned as the error from [Driver.Devices].
	DevicesErr error

	// OpenErr, when non-nil, makes [Driver.OpenDuplex] fail without opening.
	OpenErr error

	// StartErr is copied into every opened stream's StartErr.
	StartErr error

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int

	// CallCountOpenDuplex records how many times OpenDuplex was called.
	CallCountOpenDuplex int

	// OpenedConfigs records the configuration of every OpenDuplex call, in order.
	OpenedConfigs []audio.StreamConfig

	streams []*Stream
}

// Devices implements [audio.Driver].
func (d *Driver) Devices(_ context.Context) ([]audio.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDevices++
	if d.DevicesErr != nil {
		return nil, d.DevicesErr
	}
	out := make([]audio.Device, len(d.DevicesResult))
	copy(out, d.DevicesResult)
	return out, nil
}

// OpenDuplex implements [audio.Driver].
func (d *Driver) OpenDuplex(cfg audio.StreamConfig, process audio.ProcessFunc, events audio.StreamEvents) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenDuplex++
	d.OpenedConfigs = append(d.OpenedConfigs, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &Stream{
		Config:   cfg,
		StartErr: d.StartErr,
		process:  process,
		events:   events,
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// Streams returns every stream opened so far, in order.
func (d *Driver) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Stream, len(d.streams))
	copy(out, d.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (d *Driver) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// OpenStreams returns the number of opened streams that have not been closed.
func (d *Driver) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream].
type Stream struct {
	// Config is the configuration the stream was opened with.
	Config audio.StreamConfig

	// StartErr is returned by [Stream.Start].
	StartErr error

	// CloseErr is returned by [Stream.Close].
	CloseErr error

	// callMu serialises Pump with Close so Close observes in-flight callbacks
	// finishing, the same guarantee a hardware driver gives.
	callMu sync.Mutex

	mu                 sync.Mutex
	process            audio.ProcessFunc
	events             audio.StreamEvents
	started            bool
	closed             bool
	callCountStart     int
	callCountClose     int
	callCountProcessed int
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCountStart++
	if s.closed {
		return ErrClosed
	}
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = true
	return nil
}

// Close implements [audio.Stream]. It waits for an in-flight Pump to return.
func (s *Stream) Close() error {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCountClose++
	s.closed = true
	s.started = false
	return s.CloseErr
}

// Pump delivers one period to the registered process function, as the driver
// thread would. It returns false without calling process when the stream is
// not started.
func (s *Stream) Pump(out, in audio.Block) bool {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.mu.Lock()
	running := s.started && !s.closed
	process := s.process
	if running {
		s.callCountProcessed++
	}
	s.mu.Unlock()
	if !running {
		return false
	}
	process(out, in)
	return true
}

// EmitStatus simulates an overflow/underflow report from the driver.
func (s *Stream) EmitStatus(st audio.Status) {
	if s.events.OnStatus != nil {
		s.events.OnStatus(st)
	}
}

// Fail simulates the driver terminating the stream on its own.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	if s.events.OnFatal != nil {
		s.events.OnFatal(err)
	}
}

// Started reports whether Start succeeded and the stream has not stopped.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CallCountClose returns how many times Close was called.
func (s *Stream) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountClose
}

// CallCountProcessed returns how many periods reached the process function.
func (s *Stream) CallCountProcessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountProcessed
}

// Compile-time interface assertions.
var (
	_ audio.Driver = (*Driver)(nil)
	_ audio.Stream = (*Stream)(nil)
)
