package engine

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateStopped is the initial state. No stream is open.
	StateStopped State = iota

	// StateStarting is held while Start validates the configuration and
	// acquires the stream.
	StateStarting

	// StateRunning means the driver is delivering blocks.
	StateRunning

	// StateStopping is held while Stop waits for the driver to release the
	// stream.
	StateStopping

	// StateError is entered after a failed start or a fatal stream error.
	// Only Reset leaves it.
	StateError
)

// String returns the lower-case state name used in logs, metrics and events.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether a stream is, or is about to be, open.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning
}
