package engine

import (
	"errors"
	"fmt"
)

// Lifecycle and configuration errors. They are returned synchronously from
// the control-path call that caused them and are matched with [errors.Is].
var (
	// ErrInvalidConfig rejects a configuration or parameter. The call that
	// returns it changes no state.
	ErrInvalidConfig = errors.New("engine: invalid config")

	// ErrDeviceNotFound means a device selector matched nothing. Start
	// moves the session to [StateError].
	ErrDeviceNotFound = errors.New("engine: device not found")

	// ErrStreamOpen means the driver refused to open or start the stream.
	// Nothing is left open; the session moves to [StateError].
	ErrStreamOpen = errors.New("engine: stream open failed")

	// ErrProcessing marks a per-block pitch-shift failure. It never leaves
	// the audio context as a return value; it reaches observers wrapped in
	// a [*ProcessingError].
	ErrProcessing = errors.New("engine: block processing failed")

	// ErrStreamFatal means the driver terminated a running stream. The
	// session releases its resources and moves to [StateError].
	ErrStreamFatal = errors.New("engine: stream terminated")

	// ErrConcurrentStart is returned by Start while a session is already
	// starting or running. It is benign: the running session is untouched.
	ErrConcurrentStart = errors.New("engine: session already active")

	// ErrResetRequired is returned by Start while the session is in
	// [StateError]. Call Reset to acknowledge the failure first.
	ErrResetRequired = errors.New("engine: session in error state, reset required")
)

// ProcessingError describes one block that was emitted as passthrough.
type ProcessingError struct {
	// Block is the zero-based index of the failed block within its session.
	Block uint64

	// Err is the error reported by the pitch-shift primitive.
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("engine: block %d: passthrough after pitch-shift failure: %v", e.Block, e.Err)
}

// Unwrap allows errors.Is to match both [ErrProcessing] and the cause.
func (e *ProcessingError) Unwrap() []error {
	return []error{ErrProcessing, e.Err}
}

// invalidConfig wraps a validation message in [ErrInvalidConfig].
func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
