// Package app wires the retune subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the audio driver, the
// stream session, the latency monitor, the history store and the offline
// converter; Run serves HTTP, samples latency and follows the configuration
// file; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithMetrics, ...) and a [config.Registry] holding mock factories.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/retune/internal/config"
	"github.com/MrWong99/retune/internal/convert"
	"github.com/MrWong99/retune/internal/engine"
	"github.com/MrWong99/retune/internal/feed"
	"github.com/MrWong99/retune/internal/health"
	"github.com/MrWong99/retune/internal/history"
	"github.com/MrWong99/retune/internal/history/postgres"
	"github.com/MrWong99/retune/internal/observe"
	"github.com/MrWong99/retune/pkg/audio"
	"github.com/MrWong99/retune/pkg/pitch"
	"github.com/MrWong99/retune/pkg/provider/shifter"
)

// ListenOff disables the HTTP server when used as server.listen_addr.
const ListenOff = "off"

// App owns all subsystem lifetimes.
type App struct {
	reg     *config.Registry
	metrics *observe.Metrics
	scrape  http.Handler
	level   *slog.LevelVar
	log     *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	driver    audio.Driver
	ctrl      *engine.Controller
	session   *engine.Session
	monitor   *engine.LatencyMonitor
	hub       *feed.Hub
	store     history.Store
	converter *convert.Converter
	watcher   *config.Watcher
	mux       *http.ServeMux
	observers engine.Observers

	configPath string
	autoStart  bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from
// config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler mounted at /metrics. Default: the
// client_golang default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets hot reload change the log level of the handler built on
// lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger overrides the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithObserver adds an observer next to the built-in websocket feed, e.g. the
// terminal view.
func WithObserver(o engine.Observer) Option {
	return func(a *App) { a.observers = append(a.observers, o) }
}

// WithConfigWatch makes Run follow the configuration file at path and apply
// changes while running.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithAutoStart makes Run start the audio session immediately.
func WithAutoStart() Option {
	return func(a *App) { a.autoStart = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg, resolving the audio backend and the shifter
// through reg. No stream is opened until Start.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		reg: reg,
		cfg: cfg,
		hub: feed.NewHub(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	a.observers = append(engine.Observers{a.hub}, a.observers...)

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Audio driver + session ────────────────────────────────────────
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 3. Offline converter ─────────────────────────────────────────────
	a.initConverter()

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory opens the configured store unless one was injected.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	store, closeStore, err := OpenHistory(ctx, a.cfg.History)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)
	return nil
}

// OpenHistory connects to PostgreSQL when a DSN is configured and falls back
// to an in-memory store otherwise. The returned func releases the store.
func OpenHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, func() error, error) {
	if cfg.PostgresDSN == "" {
		return history.NewMemStore(), func() error { return nil }, nil
	}
	store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { store.Close(); return nil }, nil
}

func (a *App) initSession() error {
	drv, err := a.reg.CreateDriver(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.driver = drv
	if c, ok := drv.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	// Resolve up front so a misspelt shifter fails at startup rather than on
	// the first Start.
	if _, err := a.reg.Shifter(a.cfg.Shifter.Name); err != nil {
		return err
	}

	a.ctrl = engine.NewController(pitch.RatioFor(a.cfg.Tuning.Hz()))
	a.session = engine.NewSession(drv, a.newShifter, a.ctrl,
		engine.WithObserver(a.observers),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.log),
		engine.WithShifterName(a.cfg.Shifter.Name),
		engine.WithEventBuffer(a.cfg.Audio.EventBuffer),
	)
	a.monitor = engine.NewLatencyMonitor(a.session.Latency(), a.observers,
		engine.WithSampleInterval(a.cfg.Latency.SampleInterval),
		engine.WithSmoothing(a.cfg.Latency.Smoothing),
		engine.WithMonitorMetrics(a.metrics),
	)
	return nil
}

// newShifter resolves the configured shifter on every start, so a renamed
// shifter takes effect on the next session.
func (a *App) newShifter(cfg shifter.Config) (shifter.Shifter, error) {
	f, err := a.reg.Shifter(a.Config().Shifter.Name)
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

func (a *App) initConverter() {
	cfg := a.Config()
	opts := []convert.Option{
		convert.WithMetrics(a.metrics),
		convert.WithLogger(a.log),
	}
	if f, err := a.reg.Shifter(cfg.Shifter.Name); err == nil {
		opts = append(opts, convert.WithShifter(f, cfg.Shifter.Options))
	}
	a.converter = convert.New(cfg.Converter, a.store, opts...)
}

func (a *App) initHTTP() {
	hh := health.New(
		health.WithInfo(a.info),
		health.WithChecker(health.Checker{Name: "session", Check: a.checkSession}),
		health.WithChecker(health.Checker{Name: "history", Check: a.store.Ping}),
	)
	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("/metrics", a.scrape)
	mux.Handle("/events", a.hub)
	a.mux = mux
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Session returns the stream session.
func (a *App) Session() *engine.Session { return a.session }

// Converter returns the offline converter.
func (a *App) Converter() *convert.Converter { return a.converter }

// History returns the conversion history store.
func (a *App) History() history.Store { return a.store }

// Handler returns the HTTP handler serving /healthz, /readyz, /metrics and
// /events.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics)(a.mux)
}

// Devices lists the audio endpoints of the configured backend.
func (a *App) Devices(ctx context.Context) ([]audio.Device, error) {
	return a.session.Devices(ctx)
}

// ─── Session control ─────────────────────────────────────────────────────────

// Start opens the duplex stream described by the current audio and shifter
// configuration.
func (a *App) Start(ctx context.Context) error {
	return a.session.Start(ctx, a.startConfig())
}

func (a *App) startConfig() engine.Config {
	cfg := a.Config()
	return engine.Config{
		InputDevice:    cfg.Audio.InputDevice,
		OutputDevice:   cfg.Audio.OutputDevice,
		SampleRate:     cfg.Audio.SampleRate,
		BlockSize:      cfg.Audio.BlockSize,
		OutputChannels: cfg.Audio.OutputChannels,
		ShifterOptions: cfg.Shifter.Options,
	}
}

// Stop closes the stream, if any.
func (a *App) Stop(ctx context.Context) error {
	return a.session.Stop(ctx)
}

// Toggle starts a stopped session and stops an active one.
func (a *App) Toggle(ctx context.Context) error {
	if a.session.State().Active() {
		return a.Stop(ctx)
	}
	return a.Start(ctx)
}

// Reset acknowledges an error state.
func (a *App) Reset() { a.session.Reset() }

// Retune moves the live target frequency by delta Hz and returns the new
// target.
func (a *App) Retune(delta float64) (float64, error) {
	cur := a.targetHz()
	hz := cur + delta
	if err := a.ctrl.SetTargetHz(hz); err != nil {
		return cur, err
	}
	a.log.Info("retuned", "target_hz", pitch.FormatHz(hz))
	return a.targetHz(), nil
}

// targetHz is the controller's target rounded to centihertz, hiding the
// float error of the ratio round trip.
func (a *App) targetHz() float64 {
	return math.Round(a.ctrl.TargetHz()*100) / 100
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, samples latency and follows the configuration file until
// ctx is cancelled. It returns nil on cancellation.
func (a *App) Run(ctx context.Context) error {
	if a.autoStart {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("app: start session: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.monitor.Run(ctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	if addr := a.Config().Server.ListenAddr; addr != ListenOff {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		srv := &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			a.log.Info("http server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.log.Info("app running", "shifter", a.Config().Shifter.Name, "target_hz", pitch.FormatHz(a.targetHz()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and releases every subsystem in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.session.Stop(ctx); err != nil {
			a.log.Warn("session stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("closer error", "err", err)
		}
	}
}
