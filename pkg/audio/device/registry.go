// Package device resolves audio endpoints by identity or display name.
//
// A [Registry] never caches: every lookup re-enumerates through the
// underlying [Enumerator], so hot-plugged devices become visible on the next
// call and removed devices disappear.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/retune/pkg/audio"
)

// ErrNotFound is returned when no device satisfies a lookup.
var ErrNotFound = errors.New("device: not found")

// ErrWrongDirection is returned when a selector names an existing device that
// cannot capture or play as requested.
var ErrWrongDirection = errors.New("device: wrong direction")

// Enumerator lists the endpoints currently visible to a backend.
// [audio.Driver] satisfies it.
type Enumerator interface {
	Devices(ctx context.Context) ([]audio.Device, error)
}

// Direction restricts lookups to endpoints that can capture or play.
type Direction int

const (
	// Any matches every endpoint.
	Any Direction = iota
	// Input matches endpoints with at least one capture channel.
	Input
	// Output matches endpoints with at least one playback channel.
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "any"
	}
}

func (d Direction) matches(dev audio.Device) bool {
	switch d {
	case Input:
		return dev.IsInput()
	case Output:
		return dev.IsOutput()
	default:
		return true
	}
}

// Registry looks devices up through an [Enumerator].
type Registry struct {
	src Enumerator
}

// NewRegistry returns a Registry backed by src.
func NewRegistry(src Enumerator) *Registry {
	return &Registry{src: src}
}

// Enumerate returns the devices visible at call time, in host order.
func (r *Registry) Enumerate(ctx context.Context) ([]audio.Device, error) {
	devs, err := r.src.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("device: enumerate: %w", err)
	}
	return devs, nil
}

// FindByNameSubstring returns the first device, in enumeration order, whose
// display name contains text case-insensitively. ok is false when nothing
// matches.
func (r *Registry) FindByNameSubstring(ctx context.Context, text string) (dev audio.Device, ok bool, err error) {
	devs, err := r.Enumerate(ctx)
	if err != nil {
		return audio.Device{}, false, err
	}
	dev, ok = FirstByName(devs, text, Any)
	return dev, ok, nil
}

// Resolve finds a device for selector in the given direction. An exact ID
// match wins; otherwise the first-match name substring rule applies. The
// returned error wraps [ErrWrongDirection] when a non-empty selector only
// matches devices lacking dir, and [ErrNotFound] when nothing matches.
func (r *Registry) Resolve(ctx context.Context, selector string, dir Direction) (audio.Device, error) {
	devs, err := r.Enumerate(ctx)
	if err != nil {
		return audio.Device{}, err
	}
	if dev, ok := ByID(devs, selector); ok && dir.matches(dev) {
		return dev, nil
	}
	if dev, ok := FirstByName(devs, selector, dir); ok {
		return dev, nil
	}
	if selector != "" {
		dev, ok := ByID(devs, selector)
		if !ok {
			dev, ok = FirstByName(devs, selector, Any)
		}
		if ok {
			return audio.Device{}, fmt.Errorf("%w: %q is not an %s device", ErrWrongDirection, dev.Name, dir)
		}
	}
	if hint, ok := Suggest(devs, selector, dir); ok {
		return audio.Device{}, fmt.Errorf("%w: no %s device matching %q (did you mean %q?)", ErrNotFound, dir, selector, hint.Name)
	}
	return audio.Device{}, fmt.Errorf("%w: no %s device matching %q", ErrNotFound, dir, selector)
}

// ByID returns the device with the given ID.
func ByID(devs []audio.Device, id string) (audio.Device, bool) {
	for _, d := range devs {
		if d.ID == id {
			return d, true
		}
	}
	return audio.Device{}, false
}

// FirstByName applies the first-match, case-insensitive substring rule over
// devs, skipping devices that do not fit dir.
func FirstByName(devs []audio.Device, text string, dir Direction) (audio.Device, bool) {
	needle := strings.ToLower(text)
	for _, d := range devs {
		if !dir.matches(d) {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d, true
		}
	}
	return audio.Device{}, false
}
