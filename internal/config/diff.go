package config

import "maps"

// ConfigDiff describes what changed between two configs. Tuning and log
// level apply immediately; audio and shifter changes take effect on the
// next session start.
type ConfigDiff struct {
	TuningChanged bool
	NewTargetHz   float64

	LogLevelChanged bool
	NewLogLevel     LogLevel

	AudioChanged   bool
	ShifterChanged bool
	LatencyChanged bool
}

// RestartRequired reports whether a running session must be restarted to
// pick up the change.
func (d ConfigDiff) RestartRequired() bool {
	return d.AudioChanged || d.ShifterChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if oh, nh := old.Tuning.Hz(), new.Tuning.Hz(); oh != nh {
		d.TuningChanged = true
		d.NewTargetHz = nh
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.AudioChanged = old.Audio != new.Audio
	d.ShifterChanged = old.Shifter.Name != new.Shifter.Name ||
		!maps.EqualFunc(old.Shifter.Options, new.Shifter.Options, optionEqual)
	d.LatencyChanged = old.Latency != new.Latency
	return d
}

// optionEqual compares YAML-decoded option values. Nested maps and lists are
// not comparable with ==, so they are treated as always changed.
func optionEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
