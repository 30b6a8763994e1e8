package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/retune/pkg/audio"
	"github.com/MrWong99/retune/pkg/provider/shifter"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DriverFactory builds an [audio.Driver] for the given audio settings.
type DriverFactory func(AudioConfig) (audio.Driver, error)

// Registry maps backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]DriverFactory
	shifters map[string]shifter.Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		drivers:  make(map[string]DriverFactory),
		shifters: make(map[string]shifter.Factory),
	}
}

// RegisterDriver registers an audio driver factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDriver(name string, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = factory
}

// RegisterShifter registers a pitch shifter factory under name.
func (r *Registry) RegisterShifter(name string, factory shifter.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shifters[name] = factory
}

// CreateDriver instantiates the driver registered under cfg.Backend.
// Returns [ErrProviderNotRegistered] if nothing is registered for that name.
func (r *Registry) CreateDriver(cfg AudioConfig) (audio.Driver, error) {
	r.mu.RLock()
	factory, ok := r.drivers[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// Shifter returns the shifter factory registered under name.
func (r *Registry) Shifter(name string) (shifter.Factory, error) {
	r.mu.RLock()
	factory, ok := r.shifters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: shifter/%q", ErrProviderNotRegistered, name)
	}
	return factory, nil
}

// ShifterNames lists registered shifter names in sorted order.
func (r *Registry) ShifterNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.shifters))
	for n := range r.shifters {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
