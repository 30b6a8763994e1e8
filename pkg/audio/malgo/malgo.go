// Package malgo implements [audio.Driver] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// miniaudio reports capture and playback endpoints separately. Each becomes
// one [audio.Device] whose ID is prefixed with its direction ("capture:…",
// "playback:…"), so the same physical card may appear twice. Duplex streams
// exchange 32-bit float samples and request a period of exactly
// StreamConfig.BlockSize frames.
//
// miniaudio does not surface per-period xrun flags through malgo, so
// StreamEvents.OnStatus is never invoked by this backend. A device that stops
// without Close having been called is reported through StreamEvents.OnFatal.
package malgo

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/retune/pkg/audio"
)

// ErrDeviceStopped is passed to StreamEvents.OnFatal when the host stops a
// stream that was not closed by its owner (device unplugged, host API reset).
var ErrDeviceStopped = errors.New("malgo: device stopped unexpectedly")

const (
	capturePrefix  = "capture:"
	playbackPrefix = "playback:"

	// fallbackSampleRate is used when the host reports no native rate.
	fallbackSampleRate = 48000
)

// Driver is a miniaudio-backed [audio.Driver]. Create one with [New] and
// release it with [Driver.Close] after every stream is closed.
type Driver struct {
	ctx *malgo.AllocatedContext

	mu  sync.Mutex
	ids map[string]malgo.DeviceID
}

// Option configures a [Driver].
type Option func(*options)

type options struct {
	backends []malgo.Backend
}

// WithBackends restricts miniaudio to the given host APIs, in priority order.
func WithBackends(b ...malgo.Backend) Option {
	return func(o *options) { o.backends = b }
}

// New initialises a miniaudio context.
func New(opts ...Option) (*Driver, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ctx, err := malgo.InitContext(o.backends, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Driver{ctx: ctx, ids: make(map[string]malgo.DeviceID)}, nil
}

// Close releases the miniaudio context.
func (d *Driver) Close() error {
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

// Devices implements [audio.Driver]. Capture endpoints are listed before
// playback endpoints, each in host order.
func (d *Driver) Devices(ctx context.Context) ([]audio.Device, error) {
	var out []audio.Device
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		infos, err := d.ctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("malgo: list %s devices: %w", kindName(kind), err)
		}
		for i := range infos {
			info := infos[i]
			// Detailed info carries the native formats; the listing may not.
			if full, err := d.ctx.DeviceInfo(kind, info.ID, malgo.Shared); err == nil {
				info = full
			} else {
				slog.Debug("malgo: device info unavailable", "name", info.Name(), "err", err)
			}
			dev := describe(kind, info)
			d.mu.Lock()
			d.ids[dev.ID] = info.ID
			d.mu.Unlock()
			out = append(out, dev)
		}
	}
	return out, nil
}

// OpenDuplex implements [audio.Driver]. Device IDs must come from a prior
// call to [Driver.Devices]; an empty ID selects the host default.
func (d *Driver) OpenDuplex(cfg audio.StreamConfig, process audio.ProcessFunc, events audio.StreamEvents) (audio.Stream, error) {
	s := &stream{
		process: process,
		events:  events,
		inCh:    cfg.InputChannels,
		outCh:   cfg.OutputChannels,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	devCfg.PerformanceProfile = malgo.LowLatency
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.BlockSize)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(cfg.InputChannels)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = uint32(cfg.OutputChannels)
	devCfg.Alsa.NoMMap = 1
	devCfg.Wasapi.NoAutoConvertSRC = 1

	if cfg.InputDeviceID != "" {
		id, err := d.lookup(cfg.InputDeviceID, capturePrefix)
		if err != nil {
			return nil, err
		}
		s.captureID = id
		devCfg.Capture.DeviceID = s.captureID.Pointer()
	}
	if cfg.OutputDeviceID != "" {
		id, err := d.lookup(cfg.OutputDeviceID, playbackPrefix)
		if err != nil {
			return nil, err
		}
		s.playbackID = id
		devCfg.Playback.DeviceID = s.playbackID.Pointer()
	}

	dev, err := malgo.InitDevice(d.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init duplex device: %w", err)
	}
	s.dev = dev
	return s, nil
}

func (d *Driver) lookup(id, prefix string) (malgo.DeviceID, error) {
	if !strings.HasPrefix(id, prefix) {
		return malgo.DeviceID{}, fmt.Errorf("malgo: device %q is not a %sendpoint", id, prefix)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	mid, ok := d.ids[id]
	if !ok {
		return malgo.DeviceID{}, fmt.Errorf("malgo: unknown device %q (enumerate first)", id)
	}
	return mid, nil
}

// ─── stream ───────────────────────────────────────────────────────────────────

type stream struct {
	dev     *malgo.Device
	process audio.ProcessFunc
	events  audio.StreamEvents
	inCh    int
	outCh   int

	// Referenced by the device config through unsafe pointers; must outlive dev.
	captureID  malgo.DeviceID
	playbackID malgo.DeviceID

	closing   atomic.Bool
	fatalOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (s *stream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start device: %w", err)
	}
	return nil
}

// Close stops the device. miniaudio's uninit blocks until the data callback
// has returned.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.dev.IsStarted() {
			if err := s.dev.Stop(); err != nil {
				s.closeErr = fmt.Errorf("malgo: stop device: %w", err)
			}
		}
		s.dev.Uninit()
	})
	return s.closeErr
}

func (s *stream) onData(pOutput, pInput []byte, frameCount uint32) {
	frames := int(frameCount)
	in := audio.Block{Samples: floatView(pInput, frames*s.inCh), Frames: frames, Channels: s.inCh}
	out := audio.Block{Samples: floatView(pOutput, frames*s.outCh), Frames: frames, Channels: s.outCh}
	s.process(out, in)
}

func (s *stream) onStop() {
	if s.closing.Load() {
		return
	}
	s.fatalOnce.Do(func() {
		if s.events.OnFatal != nil {
			s.events.OnFatal(ErrDeviceStopped)
		}
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// floatView reinterprets a native-endian f32 byte buffer as n samples
// without copying.
func floatView(b []byte, n int) []float32 {
	if n <= 0 || len(b) < n*4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

func kindName(kind malgo.DeviceType) string {
	if kind == malgo.Capture {
		return "capture"
	}
	return "playback"
}

func deviceKey(kind malgo.DeviceType, raw []byte) string {
	prefix := playbackPrefix
	if kind == malgo.Capture {
		prefix = capturePrefix
	}
	return prefix + hex.EncodeToString(bytes.TrimRight(raw, "\x00"))
}

func describe(kind malgo.DeviceType, info malgo.DeviceInfo) audio.Device {
	id := info.ID
	maxCh, rate := nativeFormat(info.Formats[:min(int(info.FormatCount), len(info.Formats))])
	if maxCh == 0 {
		// Hosts that report no native formats accept any channel count;
		// stereo is the conservative assumption.
		maxCh = 2
	}
	dev := audio.Device{
		ID:                deviceKey(kind, id[:]),
		Name:              info.Name(),
		DefaultSampleRate: rate,
	}
	if kind == malgo.Capture {
		dev.MaxInputChannels = maxCh
	} else {
		dev.MaxOutputChannels = maxCh
	}
	return dev
}

// nativeFormat returns the widest channel count and the first concrete
// sample rate the host advertises. Zero in a format means "any".
func nativeFormat(formats []malgo.DataFormat) (maxChannels, sampleRate int) {
	for _, f := range formats {
		maxChannels = max(maxChannels, int(f.Channels))
		if sampleRate == 0 && f.SampleRate != 0 {
			sampleRate = int(f.SampleRate)
		}
	}
	if sampleRate == 0 {
		sampleRate = fallbackSampleRate
	}
	return maxChannels, sampleRate
}

// Compile-time interface assertions.
var (
	_ audio.Driver = (*Driver)(nil)
	_ audio.Stream = (*stream)(nil)
)
