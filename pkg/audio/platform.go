// Package audio defines the block and device types and the duplex stream
// contract used by retune.
//
// The two primary abstractions are:
//
//   - [Driver]: enumerates endpoints and opens duplex streams.
//   - [Stream]: an open hardware stream that invokes a [ProcessFunc] once
//     per period on the driver's own thread.
//
// Implementations are provided by backend packages (audio/malgo) and by
// audio/mock for tests.
package audio

import (
	"context"
	"strings"
)

// Status carries asynchronous condition flags reported by the driver
// alongside a period.
type Status uint8

const (
	// StatusInputOverflow means captured frames were dropped because the
	// callback did not keep up.
	StatusInputOverflow Status = 1 << iota

	// StatusOutputUnderflow means the device ran out of frames to play.
	StatusOutputUnderflow
)

// String returns a compact, human-readable form such as "input_overflow|output_underflow".
func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var parts []string
	if s&StatusInputOverflow != 0 {
		parts = append(parts, "input_overflow")
	}
	if s&StatusOutputUnderflow != 0 {
		parts = append(parts, "output_underflow")
	}
	return strings.Join(parts, "|")
}

// StreamConfig describes a duplex stream request.
type StreamConfig struct {
	InputDeviceID  string
	OutputDeviceID string
	SampleRate     int
	BlockSize      int
	InputChannels  int
	OutputChannels int
}

// ProcessFunc fills out from in. It runs on the driver's real-time thread
// and must not block, allocate, or perform I/O.
type ProcessFunc func(out, in Block)

// StreamEvents receives out-of-band notifications from an open stream.
// Either callback may be nil. Callbacks may fire on a driver thread and must
// return quickly.
type StreamEvents struct {
	// OnStatus is invoked when the driver reports overflow or underflow.
	OnStatus func(Status)

	// OnFatal is invoked at most once when the stream terminates without
	// having been asked to.
	OnFatal func(error)
}

// Stream is an open duplex stream. Start begins callback delivery. Close
// stops delivery, waits for any in-flight callback to return, and releases
// the hardware. Close is idempotent.
type Stream interface {
	Start() error
	Close() error
}

// Driver is a hardware backend.
type Driver interface {
	// Devices returns the endpoints visible right now, in host order.
	Devices(ctx context.Context) ([]Device, error)

	// OpenDuplex acquires a stream. On error nothing remains open.
	OpenDuplex(cfg StreamConfig, process ProcessFunc, events StreamEvents) (Stream, error)
}
