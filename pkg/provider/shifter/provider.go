// Package shifter defines the pitch-shift primitive contract.
//
// A Shifter is a streaming, mono, frequency-ratio transform whose sample
// rate is fixed at construction. The engine calls Process once per hardware
// period from the audio thread, so implementations should keep per-call
// allocation to a minimum and must never block.
//
// A Shifter is not safe for concurrent use. Each stream owns exactly one.
package shifter

import (
	"errors"
	"fmt"
)

// ErrProcessing is wrapped by every per-block failure a Shifter reports.
// After such a failure the Shifter remains usable for subsequent calls.
var ErrProcessing = errors.New("shifter: processing failed")

// Config parameterises a Shifter at construction.
type Config struct {
	// SampleRate in Hz. Immutable for the life of the Shifter.
	SampleRate int

	// Options holds implementation-specific tuning values, usually taken
	// verbatim from the YAML configuration.
	Options map[string]any
}

// Shifter is the pitch-shift primitive.
type Shifter interface {
	// Process shifts in by ratio and returns the result. The returned slice
	// is owned by the Shifter and valid until the next call. Its length may
	// differ from len(in); callers reconcile. in is never retained or
	// modified. Failures wrap [ErrProcessing].
	Process(in []float32, ratio float64) ([]float32, error)

	// Reset discards any history carried between calls.
	Reset()
}

// Factory constructs a Shifter.
type Factory func(cfg Config) (Shifter, error)

// FloatOption reads a numeric option. def is returned when key is absent.
func FloatOption(opts map[string]any, key string, def float64) (float64, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("shifter: option %q: want number, got %T", key, v)
	}
}

// IntOption reads an integer option. def is returned when key is absent.
func IntOption(opts map[string]any, key string, def int) (int, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("shifter: option %q: want integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("shifter: option %q: want integer, got %T", key, v)
	}
}
