package segment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/reccon/internal/level"
	"github.com/MrWong99/reccon/internal/observe"
	"github.com/MrWong99/reccon/internal/preroll"
	"github.com/MrWong99/reccon/pkg/audio"
)

// ErrExhausted marks an [Opener] failure that no retry can fix, such as the
// storage directory having disappeared. It is the only error [Machine.Handle]
// returns.
var ErrExhausted = errors.New("segment: storage exhausted")

// Seal reasons reported in logs.
const (
	ReasonSilence     = "silence"
	ReasonMaxDuration = "max_duration"
)

// Config holds the segmentation policy.
type Config struct {
	// TrailingSilence is how long recording continues after the input turns
	// quiet before the segment is sealed.
	TrailingSilence time.Duration

	// MaxDuration caps the length of one segment. A segment reaching it is
	// sealed and, if the input is still loud, the next frame opens a new one.
	// Zero disables the cap.
	MaxDuration time.Duration
}

// Option configures a [Machine].
type Option func(*Machine)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = met }
}

// WithClosedHook registers fn to be called with every sealed segment.
func WithClosedHook(fn func(Segment)) Option {
	return func(m *Machine) { m.onClosed = append(m.onClosed, fn) }
}

// Machine is the segment state machine. All timing is derived from frame
// timestamps, never from the wall clock, so a given frame sequence always
// produces the same segments.
//
// Machine is not safe for concurrent use; the capture goroutine owns it.
type Machine struct {
	cfg      Config
	opener   Opener
	pre      *preroll.Buffer
	log      *slog.Logger
	metrics  *observe.Metrics
	onClosed []func(Segment)

	state     State
	cur       *Segment
	rec       Recording
	silenceAt time.Duration

	// sealedEnd is the end of the last sealed segment; pre-roll frames ending
	// at or before it are already on disk.
	sealedEnd time.Duration
	hasSealed bool
}

// NewMachine creates an idle [Machine]. pre is pushed every handled frame and
// read when a segment opens.
func NewMachine(cfg Config, opener Opener, pre *preroll.Buffer, opts ...Option) *Machine {
	m := &Machine{
		cfg:    cfg,
		opener: opener,
		pre:    pre,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.pre == nil {
		m.pre = preroll.New(0)
	}
	return m
}

// State returns [StateIdle], [StateRecording] or [StateTrailingSilence].
func (m *Machine) State() State { return m.state }

// Current returns a copy of the open segment, or nil when idle.
func (m *Machine) Current() *Segment {
	if m.cur == nil {
		return nil
	}
	s := *m.cur
	return &s
}

// Handle advances the machine by one frame. Open, write and seal failures
// abandon the current segment and return the machine to idle; Handle only
// returns an error wrapping [ErrExhausted].
func (m *Machine) Handle(ctx context.Context, f audio.AudioFrame, c level.Classification) error {
	defer m.pre.Push(f)

	switch m.state {
	case StateIdle:
		if !c.Loud {
			return nil
		}
		if err := m.open(ctx, f); err != nil || m.state == StateIdle {
			return err
		}

	case StateRecording, StateTrailingSilence:
		if !m.write(ctx, f) {
			return nil
		}
		switch {
		case c.Loud && m.state == StateTrailingSilence:
			m.setState(StateRecording)
			m.log.Debug("sound resumed", "id", m.cur.ID, "at", f.Timestamp)
		case !c.Loud && m.state == StateRecording:
			m.setState(StateTrailingSilence)
			m.silenceAt = f.Timestamp
			m.log.Debug("trailing silence", "id", m.cur.ID, "at", f.Timestamp)
		}
		if m.state == StateTrailingSilence && f.End()-m.silenceAt >= m.cfg.TrailingSilence {
			m.seal(ctx, ReasonSilence)
			return nil
		}
	}

	if m.cfg.MaxDuration > 0 && m.cur.Length() >= m.cfg.MaxDuration {
		m.seal(ctx, ReasonMaxDuration)
	}
	return nil
}

// Flush seals the open segment, if any, and returns the machine to idle. It
// is called on shutdown and when the audio source is lost.
func (m *Machine) Flush(ctx context.Context, reason string) {
	if m.cur != nil {
		m.seal(ctx, reason)
	}
}

func (m *Machine) setState(s State) {
	m.state = s
	m.cur.State = s
}

// open starts a segment seeded with the pre-roll and the trigger frame.
func (m *Machine) open(ctx context.Context, trigger audio.AudioFrame) error {
	rec, err := m.opener.Open(ctx)
	if err != nil {
		m.fail(ctx, "open", err)
		if errors.Is(err, ErrExhausted) {
			return err
		}
		return nil
	}

	m.rec = rec
	m.cur = &Segment{ID: rec.ID(), Path: rec.Path()}
	m.setState(StateRecording)
	m.metrics.SegmentsOpened.Add(ctx, 1)

	seeded := 0
	for _, p := range m.pre.Snapshot() {
		if m.hasSealed && p.End() <= m.sealedEnd {
			continue
		}
		if !m.write(ctx, p) {
			return nil
		}
		seeded++
	}
	if !m.write(ctx, trigger) {
		return nil
	}
	m.log.Info("segment opened",
		"id", m.cur.ID,
		"path", m.cur.Path,
		"start", m.cur.Start,
		"trigger", trigger.Timestamp,
		"preroll_frames", seeded,
	)
	return nil
}

// write appends f to the open segment. On failure the segment is abandoned
// and false is returned.
func (m *Machine) write(ctx context.Context, f audio.AudioFrame) bool {
	if err := m.rec.Write(f); err != nil {
		m.fail(ctx, "write", err)
		return false
	}
	if m.cur.Frames == 0 {
		m.cur.Start = f.Timestamp
	}
	m.cur.Frames++
	m.cur.last = f.End()
	return true
}

func (m *Machine) seal(ctx context.Context, reason string) {
	seg, rec := m.cur, m.rec
	m.idle()

	path, err := rec.Seal()
	if err != nil {
		seg.State = StateFailed
		rec.Abort(err)
		m.metrics.RecordSegmentFailed(ctx, "seal")
		m.log.Error("segment failed", "id", seg.ID, "stage", "seal", "err", err)
		return
	}

	seg.End = seg.last
	seg.Path = path
	seg.State = StateClosed
	m.sealedEnd = seg.End
	m.hasSealed = true

	m.metrics.RecordSegmentClosed(ctx, seg.Length())
	m.log.Info("segment closed",
		"id", seg.ID,
		"path", path,
		"reason", reason,
		"duration", seg.Length(),
		"frames", seg.Frames,
	)
	for _, fn := range m.onClosed {
		fn(*seg)
	}
}

// fail abandons the open segment (if any) after an error in stage.
func (m *Machine) fail(ctx context.Context, stage string, err error) {
	seg, rec := m.cur, m.rec
	m.idle()

	m.metrics.RecordSegmentFailed(ctx, stage)
	if rec == nil {
		m.log.Error("segment failed", "stage", stage, "err", err)
		return
	}
	seg.State = StateFailed
	rec.Abort(err)
	m.log.Error("segment failed", "id", seg.ID, "path", seg.Path, "stage", stage, "err", err)
}

func (m *Machine) idle() {
	m.state = StateIdle
	m.cur = nil
	m.rec = nil
}
