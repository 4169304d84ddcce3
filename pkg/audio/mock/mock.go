// Package mock provides in-memory mock implementations of the frame stream
// and encoder interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	s := mock.NewStream(16)
//	s.Send(frame)
//	s.End(errors.New("device unplugged"))
//	for f := range s.Frames() { ... }
package mock

import (
	"sync"

	"github.com/MrWong99/reccon/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock frame stream. It satisfies capture.Stream.
// Frames are fed with [Stream.Send]; [Stream.End] closes the channel and sets
// the error reported by [Stream.Err].
type Stream struct {
	mu    sync.Mutex
	ch    chan audio.AudioFrame
	ended bool
	err   error

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open [Stream] whose frame channel buffers size frames.
func NewStream(size int) *Stream {
	return &Stream{ch: make(chan audio.AudioFrame, size)}
}

// Send queues f for delivery. It reports false when the stream has ended or
// the buffer is full; it never blocks.
func (s *Stream) Send(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// End closes the frame channel after any buffered frames and records err as
// the stream's terminal error. Subsequent calls are no-ops.
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.ch)
}

// Frames returns the frame channel.
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.ch }

// Err returns the error passed to [Stream.End].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream without an error (if not already ended) and returns
// CloseError.
func (s *Stream) Close() error {
	s.End(nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// ─── Encoder ──────────────────────────────────────────────────────────────────

// Encoder is a mock implementation of encode.Encoder.
type Encoder struct {
	mu sync.Mutex

	// WriteError is returned by every [Encoder.Write] call when non-nil.
	WriteError error

	// FailAfter, when positive, makes Write return WriteError only after that
	// many successful writes.
	FailAfter int

	// CloseError is returned by [Encoder.Close].
	CloseError error

	// Frames records every frame accepted by Write.
	Frames []audio.AudioFrame

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Write implements encode.Encoder.
func (e *Encoder) Write(f audio.AudioFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.WriteError != nil && len(e.Frames) >= e.FailAfter {
		return e.WriteError
	}
	e.Frames = append(e.Frames, f)
	return nil
}

// Close implements encode.Encoder.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	return e.CloseError
}

// Written returns a copy of the recorded frames.
func (e *Encoder) Written() []audio.AudioFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audio.AudioFrame, len(e.Frames))
	copy(out, e.Frames)
	return out
}
