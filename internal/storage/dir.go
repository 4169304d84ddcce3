// Package storage owns the segment output directory end to end.
//
// Every file the manager creates encodes its state in its name (see [Kind]),
// so the state of the directory can be reconstructed after an unclean
// shutdown from a directory listing alone. Nothing else in the process reads
// or writes the directory.
package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/MrWong99/reccon/internal/observe"
	"github.com/MrWong99/reccon/internal/segment"
	"github.com/MrWong99/reccon/pkg/audio"
	"github.com/MrWong99/reccon/pkg/audio/encode"
)

var (
	// ErrEncode wraps encoder failures while writing or finalising a segment.
	ErrEncode = errors.New("storage: encode failure")

	// ErrUnrecognised marks a directory entry the manager did not create.
	ErrUnrecognised = errors.New("storage: unrecognised file")

	// ErrNotSealed is returned by [Dir.MarkUploaded] for files that are not
	// sealed segments.
	ErrNotSealed = errors.New("storage: not a sealed segment")

	// ErrExhausted means no new segment file can be created at all, for
	// example because the directory was removed or became read-only.
	ErrExhausted = segment.ErrExhausted

	// ErrLocked means another process owns the directory. Only read-only
	// operations are allowed.
	ErrLocked = errors.New("storage: directory in use by another process")
)

// PartialPolicy decides what happens to a partial segment file that will
// never be sealed.
type PartialPolicy string

const (
	// PolicyDelete removes the partial file.
	PolicyDelete PartialPolicy = "delete"

	// PolicyKeep renames the partial file to <id>.<ext>.orphan.
	PolicyKeep PartialPolicy = "keep"
)

// IsValid reports whether p is a known policy.
func (p PartialPolicy) IsValid() bool {
	return p == PolicyDelete || p == PolicyKeep
}

// Config describes the directory and how segments are encoded.
type Config struct {
	// Dir is the directory path. It is created if missing.
	Dir string

	// Format selects the container. Default: opus.
	Format encode.Format

	// Audio is the PCM format of the frames written to segments.
	Audio audio.Format

	// Encode tunes the encoder.
	Encode encode.Options

	// PartialPolicy applies to partials found by reconciliation and to
	// segments abandoned after an error. Default: keep.
	PartialPolicy PartialPolicy
}

// EncoderFactory creates the encoder for a new segment file.
type EncoderFactory func(w io.WriteSeeker) (encode.Encoder, error)

// Option configures a [Dir].
type Option func(*Dir)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dir) { d.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dir) { d.metrics = m }
}

// WithEncoderFactory overrides how segment encoders are built.
func WithEncoderFactory(f EncoderFactory) Option {
	return func(d *Dir) { d.newEncoder = f }
}

// WithClock overrides the clock used for segment IDs.
func WithClock(now func() time.Time) Option {
	return func(d *Dir) { d.now = now }
}

// Dir is the storage directory manager. It is safe for concurrent use: the
// capture path creates and seals segments while the upload worker marks
// them uploaded.
type Dir struct {
	path       string
	cfg        Config
	log        *slog.Logger
	metrics    *observe.Metrics
	newEncoder EncoderFactory
	now        func() time.Time

	lock  *flock.Flock
	owner atomic.Bool

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	hookMu sync.RWMutex
	hooks  []func(path string)
}

// Open prepares the directory described by cfg, creating it (0o755) when
// missing, and tries to take the directory lock. When another process holds
// it the Dir is still returned but only [Dir.Scan], [Dir.List] and
// [Dir.Check] work; see [Dir.Exclusive]. Call [Dir.Close] to release it.
func Open(cfg Config, opts ...Option) (*Dir, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage: directory path is empty")
	}
	if cfg.Format == "" {
		cfg.Format = encode.FormatOpus
	}
	if !cfg.Format.IsValid() {
		return nil, fmt.Errorf("storage: %w: %q", encode.ErrFormat, cfg.Format)
	}
	if cfg.PartialPolicy == "" {
		cfg.PartialPolicy = PolicyKeep
	}
	if !cfg.PartialPolicy.IsValid() {
		return nil, fmt.Errorf("storage: unknown partial policy %q", cfg.PartialPolicy)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", cfg.Dir, err)
	}
	fi, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("storage: stat %s: %w", cfg.Dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("storage: %s is not a directory", cfg.Dir)
	}

	lock := flock.New(filepath.Join(cfg.Dir, lockName))
	owner, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("storage: lock %s: %w", cfg.Dir, err)
	}

	d := &Dir{
		path:    filepath.Clean(cfg.Dir),
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		lock:    lock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	d.owner.Store(owner)
	d.newEncoder = func(w io.WriteSeeker) (encode.Encoder, error) {
		return encode.New(d.cfg.Format, w, d.cfg.Audio, d.cfg.Encode)
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// Exclusive reports whether d holds the directory lock.
func (d *Dir) Exclusive() bool { return d.owner.Load() }

// Close releases the directory lock.
func (d *Dir) Close() error {
	if !d.owner.CompareAndSwap(true, false) {
		return nil
	}
	if err := d.lock.Unlock(); err != nil {
		return fmt.Errorf("storage: unlock %s: %w", d.path, err)
	}
	return nil
}

// writable fails with [ErrLocked] unless d holds the directory lock.
func (d *Dir) writable() error {
	if !d.owner.Load() {
		return fmt.Errorf("%w: %s", ErrLocked, d.path)
	}
	return nil
}

// OnSealed registers fn to be called with the path of every newly sealed
// segment. Hooks run synchronously on the sealing goroutine and must not
// block.
func (d *Dir) OnSealed(fn func(path string)) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Allocation is a reserved segment identity.
type Allocation struct {
	ID   string
	Name Name
	// Path is where the partial file lives while recording.
	Path string
}

// Allocate returns a fresh, collision-free segment identity for a segment
// starting at now. IDs allocated within the same millisecond still sort in
// allocation order.
func (d *Dir) Allocate(now time.Time) (Allocation, error) {
	d.idMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), d.entropy)
	d.idMu.Unlock()
	if err != nil {
		return Allocation{}, fmt.Errorf("storage: allocate id: %w", err)
	}
	n := Name{ID: id.String(), Ext: d.cfg.Format.Ext(), Kind: KindPartial}
	return Allocation{ID: n.ID, Name: n, Path: d.join(n)}, nil
}

// Open implements [segment.Opener]: it creates the partial file for a new
// segment and wraps it with the configured encoder.
func (d *Dir) Open(_ context.Context) (segment.Recording, error) {
	if err := d.writable(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	a, err := d.Allocate(d.now())
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(a.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if exhausted(err) {
			return nil, fmt.Errorf("%w: create %s: %w", ErrExhausted, a.Path, err)
		}
		return nil, fmt.Errorf("storage: create %s: %w", a.Path, err)
	}
	enc, err := d.newEncoder(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(a.Path)
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, a.ID, err)
	}
	d.log.Debug("segment file created", "id", a.ID, "path", a.Path)
	return &recording{dir: d, name: a.Name, f: f, enc: enc}, nil
}

// Check verifies that the directory exists and accepts new files.
func (d *Dir) Check(_ context.Context) error {
	fi, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("storage: %s is not a directory", d.path)
	}
	f, err := os.CreateTemp(d.path, scratchPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (d *Dir) join(n Name) string { return filepath.Join(d.path, n.String()) }

func (d *Dir) sealed(path string) {
	d.hookMu.RLock()
	hooks := make([]func(string), len(d.hooks))
	copy(hooks, d.hooks)
	d.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(path)
	}
}

// discard applies the partial policy to the partial file n.
func (d *Dir) discard(n Name) (string, error) {
	from := d.join(n.As(KindPartial))
	if d.cfg.PartialPolicy == PolicyDelete {
		if err := os.Remove(from); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("storage: remove partial: %w", err)
		}
		return "", nil
	}
	to := d.join(n.As(KindOrphan))
	if err := os.Rename(from, to); err != nil {
		return "", fmt.Errorf("storage: keep partial: %w", err)
	}
	return to, nil
}

// exhausted reports whether a create failure means the directory itself is
// unusable.
func exhausted(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, syscall.EROFS)
}

// syncDir flushes directory metadata so renames survive a power cut.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
