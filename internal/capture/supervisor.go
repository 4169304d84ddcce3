package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/reccon/internal/observe"
	"github.com/MrWong99/reccon/internal/resilience"
	"github.com/MrWong99/reccon/pkg/audio"
)

// Default reacquisition parameters.
const (
	defaultBackoff     = time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultStableAfter = time.Minute
)

// FrameHandler consumes one frame. A non-nil error stops the [Supervisor].
type FrameHandler func(ctx context.Context, f audio.AudioFrame) error

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// Backoff is the wait before the first reacquisition attempt. Doubles on
	// each consecutive failure up to MaxBackoff. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the wait. Default: 30s.
	MaxBackoff time.Duration

	// StableAfter resets the backoff once a stream has delivered frames for
	// this long. Default: 1m.
	StableAfter time.Duration

	// OnLost runs after a stream ends unexpectedly, before the backoff wait.
	OnLost func(ctx context.Context, cause error)
}

// SupervisorOption configures a [Supervisor].
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithClock replaces [time.Now] for timestamp and backoff bookkeeping.
func WithClock(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor keeps a [Source] open and feeds its frames to a handler.
//
// Frames are re-stamped on a single timeline that starts when Run is called:
// a new stream continues at the later of the wall-clock offset and the end of
// the previous frame, so timestamps never go backwards.
type Supervisor struct {
	src     Source
	handle  FrameHandler
	cfg     SupervisorConfig
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	epoch     time.Time
	lastEnd   time.Duration
	lastFrame atomic.Int64 // unix nanos of the last delivered frame
}

// NewSupervisor creates a [Supervisor].
func NewSupervisor(src Source, handle FrameHandler, cfg SupervisorConfig, opts ...SupervisorOption) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	s := &Supervisor{
		src:    src,
		handle: handle,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// LastFrame returns the wall-clock time the most recent frame was delivered,
// or the zero time before the first one.
func (s *Supervisor) LastFrame() time.Time {
	n := s.lastFrame.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run opens the source and pumps frames until ctx is cancelled or the handler
// fails. Source failures are retried forever. Run returns nil on
// cancellation and the handler's error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	s.epoch = s.now()
	failures := 0

	for {
		stream, err := s.src.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if !s.wait(ctx, failures, err) {
				return nil
			}
			continue
		}

		if failures > 0 {
			s.log.Info("audio source reacquired", "after_attempts", failures)
			s.metrics.SourceRestarts.Add(ctx, 1)
		} else {
			s.log.Info("audio source opened")
		}

		opened := s.now()
		herr := s.pump(ctx, stream)
		_ = stream.Close()
		switch {
		case herr != nil:
			return herr
		case ctx.Err() != nil:
			return nil
		}

		cause := stream.Err()
		if cause == nil {
			cause = ErrSourceUnavailable
		}
		s.log.Warn("audio source lost", "err", cause, "ran_for", s.now().Sub(opened))
		if s.cfg.OnLost != nil {
			s.cfg.OnLost(ctx, cause)
		}
		if s.now().Sub(opened) >= s.cfg.StableAfter {
			failures = 0
		}
		failures++
		if !s.wait(ctx, failures, cause) {
			return nil
		}
	}
}

// pump forwards frames from stream until it ends, ctx is done or the handler
// fails.
func (s *Supervisor) pump(ctx context.Context, stream Stream) error {
	base := s.now().Sub(s.epoch)
	if base < s.lastEnd {
		base = s.lastEnd
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-stream.Frames():
			if !ok {
				return nil
			}
			f.Timestamp += base
			s.lastEnd = f.End()
			s.lastFrame.Store(s.now().UnixNano())
			if err := s.handle(ctx, f); err != nil {
				return err
			}
		}
	}
}

// wait sleeps for the backoff of the given attempt. It returns false when
// ctx ends first.
func (s *Supervisor) wait(ctx context.Context, attempt int, cause error) bool {
	d := resilience.Backoff(attempt, s.cfg.Backoff, s.cfg.MaxBackoff)
	s.log.Warn("audio source unavailable, retrying", "attempt", attempt, "retry_in", d, "err", cause)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
