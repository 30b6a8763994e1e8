package config_test

import (
	"testing"

	"github.com/MrWong99/retune/internal/config"
	"github.com/MrWong99/retune/pkg/pitch"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a, b := config.Default(), config.Default()
	a.Shifter.Options = map[string]any{"sequence_ms": 40}
	b.Shifter.Options = map[string]any{"sequence_ms": 40}

	d := config.Diff(a, b)
	if d != (config.ConfigDiff{}) {
		t.Errorf("expected empty diff, got %+v", d)
	}
	if d.RestartRequired() {
		t.Error("RestartRequired should be false")
	}
}

func TestDiff_Fields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart bool
	}{
		{
			name:   "preset",
			mutate: func(c *config.Config) { c.Tuning.Preset = pitch.Preset528 },
			check:  func(d config.ConfigDiff) bool { return d.TuningChanged && d.NewTargetHz == 528 },
		},
		{
			name: "custom hz equal to preset",
			mutate: func(c *config.Config) {
				c.Tuning.Preset = pitch.PresetCustom
				c.Tuning.TargetHz = 432
			},
			check: func(d config.ConfigDiff) bool { return !d.TuningChanged },
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check:  func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogDebug },
		},
		{
			name:    "audio",
			mutate:  func(c *config.Config) { c.Audio.OutputDevice = "Headphones" },
			check:   func(d config.ConfigDiff) bool { return d.AudioChanged },
			restart: true,
		},
		{
			name:    "shifter name",
			mutate:  func(c *config.Config) { c.Shifter.Name = "spectral" },
			check:   func(d config.ConfigDiff) bool { return d.ShifterChanged },
			restart: true,
		},
		{
			name:    "shifter options",
			mutate:  func(c *config.Config) { c.Shifter.Options = map[string]any{"overlap_ms": 10} },
			check:   func(d config.ConfigDiff) bool { return d.ShifterChanged },
			restart: true,
		},
		{
			name:   "latency",
			mutate: func(c *config.Config) { c.Latency.Smoothing = 0.9 },
			check:  func(d config.ConfigDiff) bool { return d.LatencyChanged },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, next := config.Default(), config.Default()
			tt.mutate(next)
			d := config.Diff(old, next)
			if !tt.check(d) {
				t.Errorf("unexpected diff: %+v", d)
			}
			if d.RestartRequired() != tt.restart {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired(), tt.restart)
			}
		})
	}
}

func TestDiff_NestedOptionsDoNotPanic(t *testing.T) {
	t.Parallel()
	a, b := config.Default(), config.Default()
	a.Shifter.Options = map[string]any{"bands": []any{1, 2}}
	b.Shifter.Options = map[string]any{"bands": []any{1, 2}}

	if d := config.Diff(a, b); !d.ShifterChanged {
		t.Error("uncomparable option values should be reported as changed")
	}
}
