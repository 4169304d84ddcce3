// Package app wires the reccon subsystems into a running recorder.
//
// New builds every component from a validated [config.Config]; Run
// reconciles the storage directory, re-queues sealed segments and then runs
// the capture path, the upload worker and the optional HTTP server until the
// context ends or storage is exhausted. Shutdown releases what New acquired.
//
// Tests inject doubles through functional options (WithSource, WithUploader,
// WithMetrics, ...). When an option is not provided New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/reccon/internal/capture"
	"github.com/MrWong99/reccon/internal/config"
	"github.com/MrWong99/reccon/internal/health"
	"github.com/MrWong99/reccon/internal/level"
	"github.com/MrWong99/reccon/internal/observe"
	"github.com/MrWong99/reccon/internal/preroll"
	"github.com/MrWong99/reccon/internal/resilience"
	"github.com/MrWong99/reccon/internal/segment"
	"github.com/MrWong99/reccon/internal/storage"
	"github.com/MrWong99/reccon/internal/upload"
	"github.com/MrWong99/reccon/internal/upload/gcs"
	"github.com/MrWong99/reccon/pkg/audio"
	"github.com/MrWong99/reccon/pkg/audio/encode"
)

// Seal reasons used outside the state machine.
const (
	ReasonShutdown   = "shutdown"
	ReasonSourceLost = "source_lost"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	version string

	provider *observe.Provider
	metrics  *observe.Metrics

	dir        *storage.Dir
	encoders   storage.EncoderFactory
	classifier *level.Classifier
	pre        *preroll.Buffer
	machine    *segment.Machine
	source     capture.Source
	supervisor *capture.Supervisor

	uploader upload.Uploader
	queue    *upload.Queue

	watcher  *config.Watcher
	levelVar *slog.LevelVar

	listener net.Listener
	server   *http.Server

	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option configures New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithVersion sets the version reported in telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithMetrics injects a metrics sink instead of initialising the OTel SDK.
// No /metrics route is served in that case.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSource injects the audio source instead of building one from config.
func WithSource(s capture.Source) Option {
	return func(a *App) { a.source = s }
}

// WithUploader injects the uploader instead of creating a GCS client. It is
// only used when remote_bucket is set.
func WithUploader(u upload.Uploader) Option {
	return func(a *App) { a.uploader = u }
}

// WithEncoderFactory replaces the segment encoder.
func WithEncoderFactory(f storage.EncoderFactory) Option {
	return func(a *App) { a.encoders = f }
}

// WithWatcher runs w alongside the recorder. Log level changes are applied
// to levelVar; other changes are logged as requiring a restart.
func WithWatcher(w *config.Watcher, levelVar *slog.LevelVar) Option {
	return func(a *App) { a.watcher, a.levelVar = w, levelVar }
}

// WithListener serves HTTP on l instead of listening on listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initStorage(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initSegmentation(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init segmentation: %w", err)
	}
	if err := a.initUpload(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init upload: %w", err)
	}
	a.initCapture()
	if err := a.initServer(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init http: %w", err)
	}
	return a, nil
}

// AudioFormat returns the PCM format the recorder captures.
func AudioFormat(cfg *config.Config) audio.Format {
	return audio.Format{SampleRate: cfg.Source.SampleRate, Channels: 1}
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	p, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: a.version})
	if err != nil {
		return err
	}
	a.provider = p
	a.closers = append(a.closers, p.Shutdown)

	a.metrics, err = observe.NewMetrics(p.MeterProvider())
	return err
}

// OpenStorage opens the configured storage directory. The CLI uses it for
// the offline commands; callers must Close the result.
func OpenStorage(cfg *config.Config, opts ...storage.Option) (*storage.Dir, error) {
	return storage.Open(storage.Config{
		Dir:           cfg.StorageDir,
		Format:        cfg.Encoder.Format,
		Audio:         AudioFormat(cfg),
		Encode:        encode.Options{Bitrate: cfg.Encoder.Bitrate},
		PartialPolicy: cfg.PartialPolicy,
	}, opts...)
}

func (a *App) initStorage() error {
	opts := []storage.Option{
		storage.WithLogger(a.log),
		storage.WithMetrics(a.metrics),
	}
	if a.encoders != nil {
		opts = append(opts, storage.WithEncoderFactory(a.encoders))
	}
	d, err := OpenStorage(a.cfg, opts...)
	if err != nil {
		return err
	}
	if !d.Exclusive() {
		return fmt.Errorf("%w: %s; is another recorder running?", storage.ErrLocked, d.Path())
	}
	a.dir = d
	a.closers = append(a.closers, func(context.Context) error { return d.Close() })
	return nil
}

func (a *App) initSegmentation() error {
	seg := a.cfg.Segment
	c, err := level.New(level.Config{
		Threshold:      a.cfg.ThresholdValue(),
		DebounceFrames: seg.DebounceFrames,
		OnsetFrames:    seg.OnsetFrames,
		Measure:        seg.Measure,
	})
	if err != nil {
		return err
	}
	a.classifier = c
	a.pre = preroll.ForDuration(seg.PreRoll, a.cfg.Source.FrameDuration)
	a.machine = segment.NewMachine(segment.Config{
		TrailingSilence: seg.TrailingSilence,
		MaxDuration:     seg.MaxSegmentDuration(),
	}, a.dir, a.pre,
		segment.WithLogger(a.log),
		segment.WithMetrics(a.metrics),
	)
	return nil
}

func (a *App) initUpload(ctx context.Context) error {
	if a.cfg.RemoteBucket == "" {
		a.log.Info("remote_bucket not set, uploads disabled")
		return nil
	}
	if a.uploader == nil {
		u, err := gcs.New(ctx, a.cfg.RemoteBucket)
		if err != nil {
			return err
		}
		a.uploader = u
		a.closers = append(a.closers, func(context.Context) error { return u.Close() })
	}

	up := a.cfg.Upload
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "upload",
		MaxFailures:  up.BreakerFailures,
		ResetTimeout: up.BreakerReset,
		Logger:       a.log,
	})
	a.queue = upload.NewQueue(a.uploader, a.dir, upload.Config{
		BaseDelay:      up.BaseDelay,
		MaxDelay:       up.MaxDelay,
		AttemptTimeout: up.AttemptTimeout,
	},
		upload.WithLogger(a.log),
		upload.WithMetrics(a.metrics),
		upload.WithBreaker(breaker),
	)
	a.dir.OnSealed(a.queue.Enqueue)
	return nil
}

func (a *App) initCapture() {
	if a.source == nil {
		a.source = NewSource(a.cfg, a.log)
	}
	src := a.cfg.Source
	a.supervisor = capture.NewSupervisor(a.source, a.handleFrame, capture.SupervisorConfig{
		Backoff:    src.RestartBackoff,
		MaxBackoff: src.MaxRestartBackoff,
		OnLost:     a.sourceLost,
	},
		capture.WithLogger(a.log),
		capture.WithMetrics(a.metrics),
	)
}

// NewSource builds the configured audio source.
func NewSource(cfg *config.Config, log *slog.Logger) capture.Source {
	src := cfg.Source
	if src.Kind == config.SourcePortAudio {
		return &capture.PortAudioSource{
			Device:        src.Device,
			Format:        AudioFormat(cfg),
			FrameDuration: src.FrameDuration,
			Logger:        log,
		}
	}
	return &capture.ExecSource{
		Command:       src.Command,
		Format:        AudioFormat(cfg),
		FrameDuration: src.FrameDuration,
	}
}

func (a *App) initServer() error {
	if a.cfg.ListenAddr == "" && a.listener == nil {
		return nil
	}
	mux := http.NewServeMux()
	if a.provider != nil {
		mux.Handle("GET /metrics", a.provider.MetricsHandler())
	}
	health.New(
		health.FromDependency("storage", a.dir),
		health.Freshness("capture", a.supervisor.LastFrame, health.DefaultMaxFrameAge, nil),
	).Register(mux)

	if a.listener == nil {
		l, err := net.Listen("tcp", a.cfg.ListenAddr)
		if err != nil {
			return err
		}
		a.listener = l
	}
	a.closers = append(a.closers, func(context.Context) error {
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run reconciles the storage directory and runs every subsystem until ctx is
// cancelled. It returns nil on cancellation and an error wrapping
// [storage.ErrExhausted] when recording cannot continue.
func (a *App) Run(ctx context.Context) error {
	rep, err := a.dir.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	if a.queue != nil {
		for _, p := range rep.Sealed {
			a.queue.Enqueue(p)
		}
	} else if len(rep.Sealed) > 0 {
		a.log.Info("sealed segments kept locally, uploads disabled", "count", len(rep.Sealed))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.supervisor.Run(gctx)
		// Best-effort: the open segment is sealed even when storage failed.
		a.machine.Flush(context.WithoutCancel(gctx), ReasonShutdown)
		if err != nil {
			a.log.Error("recording stopped", "err", err)
		}
		return err
	})

	if a.queue != nil {
		g.Go(func() error { return a.queue.Run(gctx) })
	}

	if a.server != nil {
		g.Go(func() error {
			a.log.Info("http server listening", "addr", a.listener.Addr().String())
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	a.log.Info("recorder running",
		"storage_dir", a.dir.Path(),
		"format", a.cfg.Encoder.Format,
		"uploads", a.queue != nil,
	)
	return g.Wait()
}

// handleFrame is the capture path: classify, then advance the machine.
func (a *App) handleFrame(ctx context.Context, f audio.AudioFrame) error {
	return a.machine.Handle(ctx, f, a.classifier.Classify(f))
}

// sourceLost seals the open segment and clears state tied to the old stream.
func (a *App) sourceLost(ctx context.Context, _ error) {
	a.machine.Flush(ctx, ReasonSourceLost)
	a.classifier.Reset()
	a.pre.Reset()
}

// ApplyConfigChange applies what can change at runtime and logs the rest.
func (a *App) ApplyConfigChange(d config.Diff, next *config.Config) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(next.LogLevel.Level())
		a.log.Info("log level changed", "level", next.LogLevel)
	}
	if len(d.Restart) > 0 {
		a.log.Warn("configuration changed; restart to apply", "keys", d.Restart)
	}
}

// Queue returns the upload queue, or nil when uploads are disabled.
func (a *App) Queue() *upload.Queue { return a.queue }

// Dir returns the storage directory.
func (a *App) Dir() *storage.Dir { return a.dir }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases resources acquired by New in reverse order. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() { err = a.closeAll(ctx) })
	return err
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
			errs = append(errs, ctx.Err())
			break
		}
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
