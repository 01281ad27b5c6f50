// Package app wires the interviewkit subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the capture devices,
// backend clients, and observability listener from the config, Run executes
// one or more rehearsals, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDevices,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/interviewkit/internal/config"
	"github.com/MrWong99/interviewkit/internal/health"
	"github.com/MrWong99/interviewkit/internal/interview"
	"github.com/MrWong99/interviewkit/internal/nonverbal"
	"github.com/MrWong99/interviewkit/internal/observe"
	"github.com/MrWong99/interviewkit/internal/speech"
	"github.com/MrWong99/interviewkit/pkg/media"
	"github.com/MrWong99/interviewkit/pkg/media/filedev"
)

// shutdownTimeout bounds the HTTP server drain after the last rehearsal.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	current  func() *config.Config
	log      *slog.Logger
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	devices  media.Devices
	out      io.Writer

	sessionIDs    func() string
	frameInterval time.Duration

	rehearser *Rehearser
	health    *health.Handler
	server    *http.Server
	listener  net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices injects the capture platform instead of building file-backed
// devices from the config.
func WithDevices(d media.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served on /metrics. Default:
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithOutput sets where results are written as JSON. Default: stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithConfigSource makes each rehearsal read its interview settings from
// fn, typically [config.Watcher.Current], so edits apply to the next round.
func WithConfigSource(fn func() *config.Config) Option {
	return func(a *App) { a.current = fn }
}

// WithSessionIDs overrides interview session id generation.
func WithSessionIDs(fn func() string) Option {
	return func(a *App) { a.sessionIDs = fn }
}

// WithFrameInterval overrides the non-verbal capture period.
func WithFrameInterval(d time.Duration) Option {
	return func(a *App) { a.frameInterval = d }
}

// New creates an App from cfg. It does not start listening; see [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	if a.current == nil {
		a.current = func() *config.Config { return a.cfg }
	}
	if a.devices == nil {
		a.devices = DevicesFromConfig(cfg)
	}

	speechAPI, err := speech.NewClient(cfg.Backends.Speech.BaseURL,
		speech.WithClientLogger(a.log), speech.WithClientMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: speech backend: %w", err)
	}
	videoAPI, err := nonverbal.NewClient(cfg.Backends.NonVerbal.BaseURL,
		nonverbal.WithClientLogger(a.log), nonverbal.WithClientMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: non-verbal backend: %w", err)
	}
	a.health = health.New(
		health.Checker{Name: "speech", Probe: speechAPI},
		health.Checker{Name: "nonverbal", Probe: health.PingFunc(videoAPI.Health)},
	)

	a.rehearser = NewRehearser(RehearserConfig{
		Devices:       a.devices,
		Logger:        a.log,
		Metrics:       a.metrics,
		NewSessionID:  a.sessionIDs,
		FrameInterval: a.frameInterval,
	})

	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// DevicesFromConfig builds the file-backed capture devices declared in cfg.
func DevicesFromConfig(cfg *config.Config) *filedev.Devices {
	mics := make([]filedev.Microphone, 0, len(cfg.Devices.Microphones))
	for _, m := range cfg.Devices.Microphones {
		mics = append(mics, filedev.Microphone{ID: m.ID, Label: m.Label, File: m.File, Muted: m.Muted})
	}
	var cam *filedev.Camera
	if c := cfg.Devices.Camera; c != nil {
		cam = &filedev.Camera{ID: c.ID, Label: c.Label, FramesDir: c.FramesDir, FPS: c.FPS}
	}
	return filedev.New(mics, cam)
}

// Devices returns the capture platform.
func (a *App) Devices() media.Devices { return a.devices }

// CheckBackends probes both analysis backends. See [health.Handler.Check].
func (a *App) CheckBackends(ctx context.Context) map[string]error {
	return a.health.Check(ctx)
}

// Rehearser returns the rehearsal runner.
func (a *App) Rehearser() *Rehearser { return a.rehearser }

// Handler returns the observability mux: /metrics, /healthz, /readyz, and
// /rehearsal, wrapped in [observe.Middleware].
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	a.health.Register(mux)
	mux.HandleFunc("GET /rehearsal", a.serveRehearsal)
	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) serveRehearsal(w http.ResponseWriter, _ *http.Request) {
	info, ok := a.rehearser.Info()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"idle"}` + "\n"))
		return
	}
	_ = json.NewEncoder(w).Encode(info)
}

// Listen binds the observability listener. Run calls it when needed; call
// it first to learn the bound address.
func (a *App) Listen() (net.Addr, error) {
	if a.server == nil {
		return nil, nil
	}
	if a.listener == nil {
		ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
		a.listener = ln
	}
	return a.listener.Addr(), nil
}

// Run serves the observability endpoints and performs rounds rehearsals,
// writing each result to the output. Zero rounds means until ctx is
// cancelled. An interrupted rehearsal still reports its partial result.
func (a *App) Run(ctx context.Context, rounds int) error {
	if _, err := a.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		a.log.Info("observability listener ready", "addr", a.listener.Addr().String())
		g.Go(func() error {
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer a.stopServer()
		for i := 0; rounds == 0 || i < rounds; i++ {
			res, err := a.rehearser.Run(gctx, a.current())
			if err != nil {
				return err
			}
			if err := a.report(res); err != nil {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
		}
		return nil
	})
	return g.Wait()
}

func (a *App) report(res *interview.Result) error {
	a.log.Info("rehearsal finished", "session_id", res.SessionID, "reason", res.Reason,
		"answers", len(res.Answers), "frames_sent", res.FramesSent)
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("app: write result: %w", err)
	}
	return nil
}

func (a *App) stopServer() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn("observability listener shutdown error", "err", err)
	}
	if a.listener != nil {
		// Serve may not have taken ownership yet.
		_ = a.listener.Close()
	}
}

// AddCloser registers fn to run during Shutdown, after the listener stops.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Shutdown interrupts any active rehearsal, stops the listener, and runs the
// registered closers in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.rehearser.Stop()
		a.stopServer()

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
