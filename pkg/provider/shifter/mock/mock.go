// Package mock provides a scripted [shifter.Shifter] for tests.
//
// By default a Shifter returns its input unchanged. Set LengthDelta to make
// the output longer or shorter, Transform to alter samples, or FailBlocks to
// fail specific calls:
//
//	sh := &mock.Shifter{LengthDelta: -10, FailBlocks: map[int]bool{3: true}}
package mock

import (
	"fmt"
	"sync"

	"github.com/MrWong99/retune/pkg/provider/shifter"
)

// Shifter is a mock implementation of [shifter.Shifter].
type Shifter struct {
	mu sync.Mutex

	// LengthDelta is added to len(in) to size the output. Extra samples are
	// filled with FillValue.
	LengthDelta int

	// FillValue is written to samples beyond len(in).
	FillValue float32

	// Transform, when non-nil, maps every input sample.
	Transform func(float32) float32

	// FailBlocks lists zero-based call indices that return an error wrapping
	// [shifter.ErrProcessing].
	FailBlocks map[int]bool

	// FailAll makes every call fail.
	FailAll bool

	// Ratios records the ratio passed to each call, in order.
	Ratios []float64

	// CallCountProcess records how many times Process was called.
	CallCountProcess int

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	out []float32
}

// Process implements [shifter.Shifter].
func (s *Shifter) Process(in []float32, ratio float64) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.CallCountProcess
	s.CallCountProcess++
	s.Ratios = append(s.Ratios, ratio)
	if s.FailAll || s.FailBlocks[call] {
		return nil, fmt.Errorf("%w: mock failure on call %d", shifter.ErrProcessing, call)
	}
	n := max(len(in)+s.LengthDelta, 0)
	if cap(s.out) < n {
		s.out = make([]float32, n)
	}
	out := s.out[:n]
	for i := range out {
		if i >= len(in) {
			out[i] = s.FillValue
			continue
		}
		v := in[i]
		if s.Transform != nil {
			v = s.Transform(v)
		}
		out[i] = v
	}
	return out, nil
}

// Reset implements [shifter.Shifter].
func (s *Shifter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReset++
}

// Calls returns the number of Process calls so far.
func (s *Shifter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountProcess
}

// Factory returns a [shifter.Factory] that always yields sh, or err when
// non-nil.
func Factory(sh *Shifter, err error) shifter.Factory {
	return func(shifter.Config) (shifter.Shifter, error) {
		if err != nil {
			return nil, err
		}
		return sh, nil
	}
}

var _ shifter.Shifter = (*Shifter)(nil)
