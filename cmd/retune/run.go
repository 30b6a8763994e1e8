package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/retune/internal/app"
	"github.com/MrWong99/retune/internal/config"
	"github.com/MrWong99/retune/internal/observe"
	"github.com/MrWong99/retune/internal/ui"
)

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	tui := fs.Bool("tui", false, "show the interactive terminal view instead of starting immediately")
	logPath := fs.String("log", "", "log file (with -tui logs are discarded unless set)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────
	var logOut io.Writer = os.Stderr
	if *tui {
		logOut = io.Discard
	}
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "retune: open log: %v\n", err)
			return 1
		}
		defer f.Close()
		logOut = f
	}
	logger, level := newLogger(logOut, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("retune starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────
	ctx, stop := signalContext()
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, telemetryConfig())
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithMetricsHandler(telemetry.Handler()),
		app.WithConfigWatch(*configPath),
	}
	var bridge *ui.Bridge
	if *tui {
		bridge = ui.NewBridge(256)
		opts = append(opts, app.WithObserver(bridge))
	} else {
		opts = append(opts, app.WithAutoStart())
		printStartupSummary(cfg)
	}

	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// SIGHUP re-reads the configuration without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				slog.Info("SIGHUP received, reloading config", "changed", application.ReloadConfig())
			}
		}
	}()

	code := 0
	if *tui {
		code = runWithTUI(ctx, application, bridge, cfg)
	} else {
		slog.Info("streaming, press Ctrl+C to stop")
		if err := application.Run(ctx); err != nil {
			slog.Error("run error", "err", err)
			fmt.Fprintf(os.Stderr, "retune: %v\n", err)
			code = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// runWithTUI runs the application in the background while the terminal view
// owns the foreground. Quitting the view stops the application.
func runWithTUI(ctx context.Context, application *app.App, bridge *ui.Bridge, cfg *config.Config) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	code := 0
	if err := ui.Run(ctx, ui.NewModel(application, cfg.Tuning.Hz()), bridge); err != nil {
		fmt.Fprintf(os.Stderr, "retune: terminal view: %v\n", err)
		code = 1
	}
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "retune: %v\n", err)
		code = 1
	}
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         retune · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Audio.Backend)
	printRow("Input", orDefault(cfg.Audio.InputDevice))
	printRow("Output", orDefault(cfg.Audio.OutputDevice))
	printRow("Block size", fmt.Sprint(cfg.Audio.BlockSize))
	printRow("Shifter", cfg.Shifter.Name)
	printRow("Tuning", fmt.Sprintf("%s (%g Hz)", cfg.Tuning.Preset, cfg.Tuning.Hz()))
	printRow("History", historyKind(cfg))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

// cellWidth is the value column of the startup banner, in runes.
const cellWidth = 19

func printRow(key, value string) {
	fmt.Printf("║  %-12s    : %-19s ║\n", key, fitCell(value, cellWidth))
}

// fitCell shortens s to at most n runes, marking the cut with an ellipsis.
func fitCell(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDefault(s string) string {
	if s == "" {
		return "(first capable)"
	}
	return s
}

func historyKind(cfg *config.Config) string {
	if cfg.History.PostgresDSN != "" {
		return "postgres"
	}
	return "memory"
}

func telemetryConfig() observe.ProviderConfig {
	return observe.ProviderConfig{
		ServiceName:    "retune",
		ServiceVersion: version,
	}
}
