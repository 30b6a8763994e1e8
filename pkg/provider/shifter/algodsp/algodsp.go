// Package algodsp adapts the pitch shifters from
// github.com/cwbudde/algo-dsp/dsp/effects/pitch to [shifter.Shifter].
//
// Two variants are available:
//
//   - [NewWSOLA]: time-domain WSOLA stretch plus Hermite resampling. Cheap
//     and stateless between blocks; the default for live use.
//   - [NewSpectral]: phase-vocoder with identity phase locking. Better
//     transient handling, higher CPU cost.
//
// Both accept ratios in [0.25, 4]. A ratio outside that range fails the
// block with [shifter.ErrProcessing] and leaves the previous ratio active.
package algodsp

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/effects/pitch"

	"github.com/MrWong99/retune/pkg/provider/shifter"
)

// Names under which the variants are registered.
const (
	NameWSOLA    = "wsola"
	NameSpectral = "spectral"
)

// engine is the subset of pitch.PitchProcessor the adapter drives.
type engine interface {
	PitchRatio() float64
	SetPitchRatio(ratio float64) error
	Reset()
	Process(input []float64) []float64
}

// errProcessor is implemented by variants that report processing errors
// instead of returning silence.
type errProcessor interface {
	ProcessWithError(input []float64) ([]float64, error)
}

// Shifter wraps an algo-dsp processor. It converts between the engine's
// float32 blocks and the library's float64 buffers using scratch memory that
// grows to the largest block seen and is then reused.
type Shifter struct {
	eng  engine
	name string
	in   []float64
	out  []float32
}

// NewWSOLA constructs the time-domain variant. Recognised options (all in
// milliseconds): sequence_ms, overlap_ms, search_ms.
func NewWSOLA(cfg shifter.Config) (shifter.Shifter, error) {
	p, err := pitch.NewPitchShifter(float64(cfg.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("algodsp: wsola: %w", err)
	}
	setters := []struct {
		key string
		set func(float64) error
	}{
		{"sequence_ms", p.SetSequence},
		{"overlap_ms", p.SetOverlap},
		{"search_ms", p.SetSearch},
	}
	for _, s := range setters {
		if _, ok := cfg.Options[s.key]; !ok {
			continue
		}
		v, err := shifter.FloatOption(cfg.Options, s.key, 0)
		if err != nil {
			return nil, fmt.Errorf("algodsp: wsola: %w", err)
		}
		if err := s.set(v); err != nil {
			return nil, fmt.Errorf("algodsp: wsola: %s: %w", s.key, err)
		}
	}
	return newShifter(NameWSOLA, p), nil
}

// NewSpectral constructs the phase-vocoder variant. Recognised options:
// frame_size (power of two), analysis_hop.
func NewSpectral(cfg shifter.Config) (shifter.Shifter, error) {
	p, err := pitch.NewSpectralPitchShifter(float64(cfg.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("algodsp: spectral: %w", err)
	}
	if _, ok := cfg.Options["frame_size"]; ok {
		n, err := shifter.IntOption(cfg.Options, "frame_size", 0)
		if err != nil {
			return nil, fmt.Errorf("algodsp: spectral: %w", err)
		}
		if err := p.SetFrameSize(n); err != nil {
			return nil, fmt.Errorf("algodsp: spectral: frame_size: %w", err)
		}
	}
	if _, ok := cfg.Options["analysis_hop"]; ok {
		n, err := shifter.IntOption(cfg.Options, "analysis_hop", 0)
		if err != nil {
			return nil, fmt.Errorf("algodsp: spectral: %w", err)
		}
		if err := p.SetAnalysisHop(n); err != nil {
			return nil, fmt.Errorf("algodsp: spectral: analysis_hop: %w", err)
		}
	}
	return newShifter(NameSpectral, p), nil
}

func newShifter(name string, eng engine) *Shifter {
	return &Shifter{eng: eng, name: name}
}

// Name returns the variant name.
func (s *Shifter) Name() string { return s.name }

// Process implements [shifter.Shifter].
func (s *Shifter) Process(in []float32, ratio float64) (out []float32, err error) {
	if ratio != s.eng.PitchRatio() {
		if err := s.eng.SetPitchRatio(ratio); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", shifter.ErrProcessing, s.name, err)
		}
	}
	if len(in) == 0 {
		return s.out[:0], nil
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %s: panic: %v", shifter.ErrProcessing, s.name, r)
		}
	}()

	if cap(s.in) < len(in) {
		s.in = make([]float64, len(in))
	}
	buf := s.in[:len(in)]
	for i, v := range in {
		buf[i] = float64(v)
	}

	var res []float64
	if ep, ok := s.eng.(errProcessor); ok {
		res, err = ep.ProcessWithError(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", shifter.ErrProcessing, s.name, err)
		}
	} else {
		res = s.eng.Process(buf)
	}

	if cap(s.out) < len(res) {
		s.out = make([]float32, len(res))
	}
	out = s.out[:len(res)]
	for i, v := range res {
		out[i] = float32(v)
	}
	return out, nil
}

// Reset implements [shifter.Shifter].
func (s *Shifter) Reset() { s.eng.Reset() }

var (
	_ shifter.Shifter = (*Shifter)(nil)
	_ engine          = (*pitch.PitchShifter)(nil)
	_ engine          = (*pitch.SpectralPitchShifter)(nil)
	_ errProcessor    = (*pitch.SpectralPitchShifter)(nil)
)
