// Package capture acquires PCM audio from a source and keeps it flowing.
//
// A [Source] produces one [Stream] per acquisition. Streams end when the
// device or process goes away; the [Supervisor] reacquires them with capped
// exponential backoff and re-stamps frames so timestamps stay monotonic across
// restarts.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/reccon/pkg/audio"
)

// ErrSourceUnavailable reports that a source could not be opened or that an
// open stream ended.
var ErrSourceUnavailable = errors.New("capture: source unavailable")

// Source opens audio streams.
type Source interface {
	// Open starts a new stream. Frame timestamps are relative to the start of
	// the stream.
	Open(ctx context.Context) (Stream, error)
}

// Stream delivers PCM frames until it ends.
type Stream interface {
	// Frames is closed when the stream ends.
	Frames() <-chan audio.AudioFrame

	// Err returns the reason the stream ended. Only valid after Frames is
	// closed.
	Err() error

	// Close stops the stream and releases its resources. Safe to call more
	// than once.
	Close() error
}

// Default frame parameters.
const (
	DefaultFrameDuration = 100 * time.Millisecond
	defaultFrameBuffer   = 64
)

// framer turns a stream-relative sample count into frame timestamps.
type framer struct {
	format  audio.Format
	samples int64
}

func (fr *framer) frame(pcm []byte) audio.AudioFrame {
	f := audio.AudioFrame{
		Data:       pcm,
		SampleRate: fr.format.SampleRate,
		Channels:   fr.format.Channels,
		Timestamp:  time.Duration(fr.samples) * time.Second / time.Duration(fr.format.SampleRate),
	}
	fr.samples += int64(f.Samples())
	return f
}
