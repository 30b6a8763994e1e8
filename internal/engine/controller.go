package engine

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/retune/pkg/pitch"
)

// Controller holds the current pitch ratio. Set is called from the control
// context and Get from the audio context; both are single atomic word
// operations, so neither side ever waits on the other.
//
// The ratio outlives sessions: it may be changed while stopped and is picked
// up by the next start, or changed while running and is picked up by the
// next block.
type Controller struct {
	bits atomic.Uint64
}

// NewController returns a Controller holding ratio. It panics on an invalid
// ratio; use 1 for "no shift".
func NewController(ratio float64) *Controller {
	c := &Controller{}
	if err := c.Set(ratio); err != nil {
		panic(err)
	}
	return c
}

// Set stores ratio. A non-positive or non-finite value returns an error
// wrapping [ErrInvalidConfig] and leaves the previous value in place.
func (c *Controller) Set(ratio float64) error {
	if !pitch.ValidRatio(ratio) {
		return invalidConfig("pitch ratio must be finite and positive, got %v", ratio)
	}
	c.bits.Store(math.Float64bits(ratio))
	return nil
}

// Get returns the current ratio.
func (c *Controller) Get() float64 {
	return math.Float64frombits(c.bits.Load())
}

// SetTargetHz stores the ratio that re-tunes 440 Hz to hz. Targets the live
// shifters cannot reach are refused rather than failing every block.
func (c *Controller) SetTargetHz(hz float64) error {
	if err := pitch.ValidateShiftTarget(hz); err != nil {
		return invalidConfig("%v", err)
	}
	return c.Set(pitch.RatioFor(hz))
}

// TargetHz returns the frequency the current ratio maps 440 Hz onto.
func (c *Controller) TargetHz() float64 {
	return pitch.TargetHz(c.Get())
}
