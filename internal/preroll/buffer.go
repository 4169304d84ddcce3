// Package preroll keeps the most recent frames of a stream so that a segment
// opened after detection lag still contains the audio that triggered it.
package preroll

import (
	"time"

	"github.com/MrWong99/reccon/pkg/audio"
)

// Buffer is a fixed-capacity ring of frames. Push evicts the oldest frame
// once full. A zero-capacity buffer accepts pushes and retains nothing.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	frames []audio.AudioFrame
	head   int // index of the oldest frame
	n      int
}

// New creates a [Buffer] holding at most capacity frames. Negative capacity is
// treated as zero.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{frames: make([]audio.AudioFrame, capacity)}
}

// ForDuration creates a [Buffer] large enough to hold d of audio made of
// frames of length frame. The capacity is rounded up; d == 0 yields an empty
// buffer.
func ForDuration(d, frame time.Duration) *Buffer {
	if d <= 0 || frame <= 0 {
		return New(0)
	}
	return New(int((d + frame - 1) / frame))
}

// Push appends f, evicting the oldest frame when the buffer is full.
func (b *Buffer) Push(f audio.AudioFrame) {
	c := len(b.frames)
	if c == 0 {
		return
	}
	if b.n < c {
		b.frames[(b.head+b.n)%c] = f
		b.n++
		return
	}
	b.frames[b.head] = f
	b.head = (b.head + 1) % c
}

// Snapshot returns the buffered frames oldest first. The returned slice is a
// copy; the buffer is left unchanged.
func (b *Buffer) Snapshot() []audio.AudioFrame {
	out := make([]audio.AudioFrame, b.n)
	for i := range b.n {
		out[i] = b.frames[(b.head+i)%len(b.frames)]
	}
	return out
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int { return b.n }

// Cap returns the buffer capacity in frames.
func (b *Buffer) Cap() int { return len(b.frames) }

// Reset drops all buffered frames.
func (b *Buffer) Reset() {
	clear(b.frames)
	b.head = 0
	b.n = 0
}
