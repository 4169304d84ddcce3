package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/reccon/internal/observe"
	"github.com/MrWong99/reccon/internal/resilience"
	"github.com/MrWong99/reccon/internal/segment"
)

// Default retry parameters.
const (
	defaultBaseDelay      = 5 * time.Second
	defaultMaxDelay       = 5 * time.Minute
	defaultAttemptTimeout = 2 * time.Minute
)

// Config holds the retry policy.
type Config struct {
	// BaseDelay is the wait after the first failure. Default: 5s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Default: 5m.
	MaxDelay time.Duration

	// AttemptTimeout bounds a single upload attempt. Default: 2m.
	AttemptTimeout time.Duration
}

// Option configures a [Queue].
type Option func(*Queue)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithBreaker routes every attempt through cb. While the breaker is open,
// tasks are postponed by BaseDelay without counting an attempt.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(q *Queue) { q.breaker = cb }
}

// Queue is an unbounded FIFO of sealed files drained by [Queue.Run].
// Enqueue, Len and Snapshot are safe to call from any goroutine.
type Queue struct {
	up      Uploader
	marker  Marker
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker

	mu     sync.Mutex
	inbox  []string
	tasks  []*Task
	known  map[string]bool
	notify chan struct{}
}

// NewQueue creates a [Queue]. Zero-value config fields are replaced with
// defaults.
func NewQueue(up Uploader, marker Marker, cfg Config, opts ...Option) *Queue {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	q := &Queue{
		up:     up,
		marker: marker,
		cfg:    cfg,
		log:    slog.Default(),
		known:  make(map[string]bool),
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	if q.breaker == nil {
		q.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "upload", Logger: q.log})
	}
	return q
}

// Enqueue schedules path for upload. It never blocks.
func (q *Queue) Enqueue(path string) {
	q.mu.Lock()
	q.inbox = append(q.inbox, path)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of pending paths, including ones not yet picked up
// by the worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) + len(q.inbox)
}

// Snapshot returns copies of the worker's tasks in queue order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = *t
	}
	return out
}

// Run drains the queue until ctx is cancelled. An attempt in flight at
// cancellation is abandoned; its file stays sealed on disk and is picked up
// again by the next reconciliation. Run returns nil on cancellation.
func (q *Queue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		q.drain(ctx)

		t, wait := q.next(time.Now())
		if t != nil {
			q.attempt(ctx, t)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		var wake <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			wake = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		case <-wake:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// drain moves inbox paths into the task list, skipping paths already queued.
func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, p := range q.inbox {
		if q.known[p] {
			continue
		}
		q.known[p] = true
		q.tasks = append(q.tasks, &Task{Path: p, State: segment.StateQueued})
		added++
	}
	q.inbox = q.inbox[:0]
	if added > 0 {
		q.metrics.UploadQueueDepth.Add(ctx, int64(added))
	}
}

// next returns the first eligible task in queue order. When none is eligible
// it returns the wait until the earliest one becomes eligible, or zero when
// the queue is empty.
func (q *Queue) next(now time.Time) (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var wait time.Duration
	for _, t := range q.tasks {
		d := t.NextEligible.Sub(now)
		if d <= 0 {
			return t, 0
		}
		if wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *Queue) remove(ctx context.Context, t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, x := range q.tasks {
		if x == t {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			delete(q.known, t.Path)
			q.metrics.UploadQueueDepth.Add(ctx, -1)
			return
		}
	}
}

func (q *Queue) setState(t *Task, s segment.State) {
	q.mu.Lock()
	t.State = s
	q.mu.Unlock()
}

// attempt performs one upload of t and updates or removes it.
func (q *Queue) attempt(ctx context.Context, t *Task) {
	q.setState(t, segment.StateUploading)

	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()
	actx, span := observe.StartSpan(actx, "upload.segment",
		trace.WithAttributes(
			attribute.String("segment.path", t.Path),
			attribute.Int("upload.attempt", t.Attempts+1),
		),
	)
	defer span.End()
	log := observe.LoggerFrom(actx, q.log)

	start := time.Now()
	err := q.breaker.Execute(actx, func(ctx context.Context) error {
		return q.up.Upload(ctx, t.Path)
	})
	took := time.Since(start)

	if ctx.Err() != nil {
		q.setState(t, segment.StateQueued)
		span.SetStatus(codes.Error, "abandoned")
		log.Info("upload abandoned on shutdown", "path", t.Path)
		return
	}

	if err == nil {
		q.metrics.RecordUpload(actx, observe.StatusOK, took)
		up, merr := q.marker.MarkUploaded(t.Path)
		q.remove(actx, t)
		if merr != nil {
			// The remote copy exists; a restart re-uploads and retries the mark.
			span.RecordError(merr)
			log.Error("segment uploaded but not marked", "path", t.Path, "err", merr)
			return
		}
		log.Info("segment uploaded", "path", up, "attempts", t.Attempts+1, "duration", took)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.Is(err, resilience.ErrCircuitOpen) {
		q.postpone(t, q.cfg.BaseDelay, err)
		log.Debug("upload postponed, circuit open", "path", t.Path)
		return
	}

	q.metrics.RecordUpload(actx, observe.StatusError, took)
	if errors.Is(err, os.ErrNotExist) {
		q.remove(actx, t)
		log.Error("segment vanished before upload, dropping", "path", t.Path, "err", err)
		return
	}

	q.mu.Lock()
	t.Attempts++
	attempts := t.Attempts
	q.mu.Unlock()
	delay := resilience.Backoff(attempts, q.cfg.BaseDelay, q.cfg.MaxDelay)
	q.postpone(t, delay, err)
	log.Warn("upload failed", "path", t.Path, "attempt", attempts, "retry_in", delay, "err", err)
}

func (q *Queue) postpone(t *Task, d time.Duration, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.State = segment.StateUploadFailed
	t.NextEligible = time.Now().Add(d)
	t.LastErr = fmt.Errorf("%w: %w", ErrUpload, err)
}
