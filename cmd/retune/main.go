// Command retune re-tunes live audio from an input device to an output device
// and converts audio files to a target tuning.
//
// Usage:
//
//	retune run      [-config path] [-tui] [-log path]
//	retune devices  [-config path]
//	retune convert  [-config path] [-target hz] [-out dir] [-ext .flac] [-batch dir] [files...]
//	retune history  [-config path] [-target hz] [-ext .flac] [-limit n]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/retune/internal/config"
	"github.com/MrWong99/retune/pkg/audio"
	"github.com/MrWong99/retune/pkg/audio/malgo"
	"github.com/MrWong99/retune/pkg/provider/shifter/algodsp"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(rest)
	case "devices":
		return cmdDevices(rest)
	case "convert":
		return cmdConvert(rest)
	case "history":
		return cmdHistory(rest)
	case "version":
		fmt.Println("retune", version)
		return 0
	case "help", "-h", "-help", "--help":
		usage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "retune: unknown command %q\n\n", cmd)
		usage(os.Stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: retune <command> [flags]

Commands:
  run      stream input -> pitch shift -> output until interrupted
  devices  list audio devices of the configured backend
  convert  convert audio files to the target tuning
  history  list previously converted files
  version  print the version

Run "retune <command> -h" for command flags.
`)
}

// ── Configuration ─────────────────────────────────────────────────────────────

func loadConfig(path string) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "retune: config file %q not found; copy configs/example.yaml to get started\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "retune: %v\n", err)
		}
		return nil, false
	}
	return cfg, true
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with retune. Used for startup logging.
var builtinProviders = map[string][]string{
	"audio":   {"malgo"},
	"shifter": {"wsola", "spectral"},
}

// registerBuiltinProviders registers every implementation that ships with
// retune.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterDriver("malgo", func(config.AudioConfig) (audio.Driver, error) {
		return malgo.New()
	})
	reg.RegisterShifter("wsola", algodsp.NewWSOLA)
	reg.RegisterShifter("spectral", algodsp.NewSpectral)

	slog.Debug("registered built-in providers", "providers", builtinProviders)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds a text logger on w whose level follows lv.
func newLogger(w io.Writer, level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.Level())
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})), lv
}

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second
