// Package pitch converts between target reference frequencies, pitch ratios
// and semitone offsets.
//
// The ratio is the canonical unit: a ratio r re-tunes the 440 Hz concert
// reference to 440*r Hz. Semitones are only used for primitives that are
// parameterised that way.
package pitch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ReferenceHz is the concert pitch every ratio is relative to.
const ReferenceHz = 440.0

// Bounds for user-supplied target frequencies.
const (
	MinTargetHz = 20.0
	MaxTargetHz = 20000.0
)

// Ratio range the live shifters accept. Targets whose ratio falls outside it
// can only be used by the offline converter.
const (
	MinShiftRatio = 0.25
	MaxShiftRatio = 4.0
)

// Preset is a named target frequency.
type Preset string

const (
	Preset432    Preset = "432"
	Preset528    Preset = "528"
	PresetCustom Preset = "custom"
)

// IsValid reports whether p is a known preset.
func (p Preset) IsValid() bool {
	switch p {
	case Preset432, Preset528, PresetCustom:
		return true
	}
	return false
}

// Hz returns the target frequency of a fixed preset. ok is false for
// [PresetCustom] and unknown values.
func (p Preset) Hz() (hz float64, ok bool) {
	switch p {
	case Preset432:
		return 432, true
	case Preset528:
		return 528, true
	}
	return 0, false
}

// RatioFor returns targetHz / 440.
func RatioFor(targetHz float64) float64 {
	return targetHz / ReferenceHz
}

// TargetHz is the inverse of [RatioFor].
func TargetHz(ratio float64) float64 {
	return ratio * ReferenceHz
}

// Semitones returns 12*log2(ratio).
func Semitones(ratio float64) float64 {
	return 12 * math.Log2(ratio)
}

// RatioFromSemitones returns 2^(semitones/12).
func RatioFromSemitones(semitones float64) float64 {
	return math.Pow(2, semitones/12)
}

// ValidRatio reports whether r is usable as a pitch ratio: finite and
// strictly positive.
func ValidRatio(r float64) bool {
	return r > 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}

// ValidateTargetHz checks that hz is a finite frequency inside
// [MinTargetHz, MaxTargetHz].
func ValidateTargetHz(hz float64) error {
	if math.IsNaN(hz) || hz < MinTargetHz || hz > MaxTargetHz {
		return fmt.Errorf("pitch: target %v Hz outside [%v, %v]", hz, MinTargetHz, MaxTargetHz)
	}
	return nil
}

// ValidateShiftTarget checks hz with [ValidateTargetHz] and additionally
// requires its ratio to lie in [MinShiftRatio, MaxShiftRatio], i.e. a target
// between 110 and 1760 Hz.
func ValidateShiftTarget(hz float64) error {
	if err := ValidateTargetHz(hz); err != nil {
		return err
	}
	if r := RatioFor(hz); r < MinShiftRatio || r > MaxShiftRatio {
		return fmt.Errorf("pitch: target %v Hz needs ratio %.3f, outside [%v, %v]", hz, r, MinShiftRatio, MaxShiftRatio)
	}
	return nil
}

// ParseTarget accepts a preset name ("432", "528") or a frequency in Hz
// ("444.5", "444.5Hz").
func ParseTarget(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if hz, ok := Preset(s).Hz(); ok {
		return hz, nil
	}
	trimmed := strings.TrimSuffix(strings.TrimSuffix(s, "Hz"), "hz")
	hz, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil {
		return 0, fmt.Errorf("pitch: parse target %q: %w", s, err)
	}
	if err := ValidateTargetHz(hz); err != nil {
		return 0, err
	}
	return hz, nil
}

// FormatHz renders hz without a trailing ".0" for whole numbers, as used in
// output file names ("432", "444.5").
func FormatHz(hz float64) string {
	return strconv.FormatFloat(hz, 'f', -1, 64)
}
