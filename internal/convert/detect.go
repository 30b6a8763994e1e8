package convert

import (
	"errors"
	"fmt"
	"math/cmplx"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/window"
)

// ErrNoSignal is returned when there is nothing to analyse.
var ErrNoSignal = errors.New("convert: no audio samples to analyse")

// PeakFrequency returns the frequency in Hz of the strongest non-DC bin of
// the Hann-windowed spectrum of samples. The FFT length is samples rounded
// up to a power of two, so resolution is sampleRate / that length.
func PeakFrequency(samples []float32, sampleRate int) (float64, error) {
	if len(samples) < 2 {
		return 0, ErrNoSignal
	}
	if sampleRate <= 0 {
		return 0, fmt.Errorf("convert: invalid sample rate %d", sampleRate)
	}

	n := nextPowerOf2(len(samples))
	coeffs := window.Generate(window.TypeHann, len(samples))
	in := make([]complex128, n)
	for i, s := range samples {
		in[i] = complex(float64(s)*coeffs[i], 0)
	}

	plan, err := algofft.NewPlan64(n)
	if err != nil {
		return 0, fmt.Errorf("convert: fft plan: %w", err)
	}
	out := make([]complex128, n)
	if err := plan.Forward(out, in); err != nil {
		return 0, fmt.Errorf("convert: fft: %w", err)
	}

	peak, peakMag := 0, 0.0
	for k := 1; k <= n/2; k++ {
		if m := cmplx.Abs(out[k]); m > peakMag {
			peak, peakMag = k, m
		}
	}
	if peak == 0 {
		return 0, ErrNoSignal
	}
	return float64(peak) * float64(sampleRate) / float64(n), nil
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
