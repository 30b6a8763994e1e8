package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/retune/internal/config"
	"github.com/MrWong99/retune/internal/engine"
	"github.com/MrWong99/retune/pkg/pitch"
)

// ReloadConfig re-reads the watched configuration file now instead of
// waiting for the next poll. It reports whether a change was applied and is
// a no-op without [WithConfigWatch].
func (a *App) ReloadConfig() bool {
	if a.watcher == nil {
		return false
	}
	return a.watcher.Check()
}

// applyConfig is the watcher callback. Tuning and log level apply
// immediately; audio and shifter changes apply on the next Start because a
// running stream is never reconfigured in place.
func (a *App) applyConfig(old, cfg *config.Config, diff config.ConfigDiff) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()

	if diff.TuningChanged {
		if err := a.ctrl.SetTargetHz(diff.NewTargetHz); err != nil {
			a.log.Warn("config reload: retune rejected", "target_hz", diff.NewTargetHz, "err", err)
		} else {
			a.log.Info("config reload: retuned", "target_hz", pitch.FormatHz(diff.NewTargetHz))
		}
	}
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Level())
		a.log.Info("config reload: log level changed", "level", diff.NewLogLevel)
	}
	if diff.LatencyChanged {
		a.log.Info("config reload: latency settings apply after restart")
	}
	if diff.RestartRequired() {
		a.log.Info("config reload: audio/shifter settings apply on next start",
			"state", a.session.State().String())
	}
	if old.Audio.Backend != cfg.Audio.Backend {
		a.log.Warn("config reload: audio backend change requires a process restart",
			"running", old.Audio.Backend, "configured", cfg.Audio.Backend)
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

// checkSession fails while the session is in the error state.
func (a *App) checkSession(context.Context) error {
	if a.session.State() != engine.StateError {
		return nil
	}
	if err := a.session.Err(); err != nil {
		return err
	}
	return errors.New("app: session in error state")
}

func (a *App) info() map[string]string {
	cfg := a.Config()
	lat := a.monitor.Snapshot()
	m := map[string]string{
		"state":       a.session.State().String(),
		"target_hz":   pitch.FormatHz(a.targetHz()),
		"shifter":     cfg.Shifter.Name,
		"backend":     cfg.Audio.Backend,
		"latency":     lat.Smoothed.Round(time.Microsecond).String(),
		"budget":      lat.Budget.Round(time.Microsecond).String(),
		"event_peers": fmt.Sprint(a.hub.Clients()),
	}
	if s, ok := a.session.Active(); ok {
		m["session_id"] = s.ID
		m["input"] = s.Input.Name
		m["output"] = s.Output.Name
	}
	return m
}
