package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/retune/pkg/pitch"
)

// ValidBackendNames lists known backend names per kind. Used by [Validate]
// to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"audio":   {"malgo"},
	"shifter": {"wsola", "spectral"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultBackend
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Tuning.Preset == "" {
		cfg.Tuning.Preset = pitch.Preset432
	}
	if cfg.Shifter.Name == "" {
		cfg.Shifter.Name = DefaultShifter
	}
	if cfg.Latency.SampleInterval == 0 {
		cfg.Latency.SampleInterval = DefaultSampleInterval
	}
	if cfg.Latency.Smoothing == 0 {
		cfg.Latency.Smoothing = 0.2
	}
	if cfg.Converter.FFmpegPath == "" {
		cfg.Converter.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.Converter.RubberbandPath == "" {
		cfg.Converter.RubberbandPath = DefaultRubberbandPath
	}
	if cfg.Converter.SampleSeconds == 0 {
		cfg.Converter.SampleSeconds = DefaultSampleSeconds
	}
	if cfg.Converter.SampleRate == 0 {
		cfg.Converter.SampleRate = DefaultConvertRate
	}
	if cfg.Converter.Quality == "" {
		cfg.Converter.Quality = QualityHigh
	}
	if cfg.Converter.Workers == 0 {
		cfg.Converter.Workers = 2
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateBackendName("audio", cfg.Audio.Backend)
	validateBackendName("shifter", cfg.Shifter.Name)

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	} else if cfg.Audio.BlockSize > 0 && cfg.Audio.BlockSize < 64 {
		slog.Warn("audio.block_size below 64 frames is likely to underrun", "block_size", cfg.Audio.BlockSize)
	}
	if cfg.Audio.OutputChannels < 0 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d must not be negative", cfg.Audio.OutputChannels))
	}
	if cfg.Audio.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.event_buffer %d must not be negative", cfg.Audio.EventBuffer))
	}

	// Tuning
	if !cfg.Tuning.Preset.IsValid() {
		errs = append(errs, fmt.Errorf("tuning.preset %q is invalid; valid values: 432, 528, custom", cfg.Tuning.Preset))
	} else if cfg.Tuning.Preset == pitch.PresetCustom {
		if err := pitch.ValidateShiftTarget(cfg.Tuning.TargetHz); err != nil {
			errs = append(errs, fmt.Errorf("tuning.target_hz: %w", err))
		}
	} else if cfg.Tuning.TargetHz != 0 {
		slog.Warn("tuning.target_hz is ignored unless tuning.preset is custom",
			"preset", cfg.Tuning.Preset,
			"target_hz", cfg.Tuning.TargetHz,
		)
	}

	// Latency
	if cfg.Latency.SampleInterval < 0 {
		errs = append(errs, fmt.Errorf("latency.sample_interval %s must be positive", cfg.Latency.SampleInterval))
	}
	if cfg.Latency.Smoothing < 0 || cfg.Latency.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("latency.smoothing %.2f is out of range (0, 1]", cfg.Latency.Smoothing))
	}

	// History
	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; conversion history is kept in memory")
	}

	// Converter
	if cfg.Converter.Quality != "" && !cfg.Converter.Quality.IsValid() {
		errs = append(errs, fmt.Errorf("converter.quality %q is invalid; valid values: low, medium, high", cfg.Converter.Quality))
	}
	if cfg.Converter.SampleSeconds < 0 {
		errs = append(errs, fmt.Errorf("converter.sample_seconds %v must be positive", cfg.Converter.SampleSeconds))
	}
	if cfg.Converter.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("converter.sample_rate %d must be positive", cfg.Converter.SampleRate))
	}
	if cfg.Converter.Workers < 0 {
		errs = append(errs, fmt.Errorf("converter.workers %d must not be negative", cfg.Converter.Workers))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name; may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
