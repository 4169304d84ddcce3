// Package encode writes a stream of [audio.AudioFrame] values into a
// compressed or uncompressed audio container.
//
// An [Encoder] owns only the encoding state. It never closes the underlying
// writer: the caller flushes and closes the file after [Encoder.Close] has
// finalised the container.
package encode

import (
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/reccon/pkg/audio"
)

// ErrFormat is returned when an encoder cannot handle the requested container
// or audio format.
var ErrFormat = errors.New("encode: unsupported format")

var errClosed = errors.New("encode: write after close")

// Format names a container/codec pair.
type Format string

const (
	// FormatOpus is Opus packets in an Ogg container.
	FormatOpus Format = "opus"

	// FormatWAV is 16-bit PCM in a RIFF/WAVE container.
	FormatWAV Format = "wav"
)

// IsValid reports whether f is a known format.
func (f Format) IsValid() bool {
	return f == FormatOpus || f == FormatWAV
}

// Ext returns the file extension for f, without a leading dot.
func (f Format) Ext() string { return string(f) }

// ContentType returns the MIME type of files written in format f.
func (f Format) ContentType() string {
	switch f {
	case FormatOpus:
		return "audio/ogg"
	case FormatWAV:
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// Options tunes encoder behaviour. Zero values select defaults.
type Options struct {
	// Bitrate is the target Opus bitrate in bits per second. Default: 64000.
	// Ignored by the WAV encoder.
	Bitrate int
}

// Encoder consumes frames and produces an encoded container.
type Encoder interface {
	// Write encodes one frame. The frame's sample rate and channel count must
	// match the format the encoder was created with.
	Write(frame audio.AudioFrame) error

	// Close encodes any buffered samples and finalises the container
	// headers. It does not close the underlying writer.
	Close() error
}

// New returns an [Encoder] for format writing to w.
func New(format Format, w io.WriteSeeker, af audio.Format, opts Options) (Encoder, error) {
	if af.SampleRate <= 0 || af.Channels <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrFormat, af)
	}
	switch format {
	case FormatOpus:
		return newOpusEncoder(w, af, opts)
	case FormatWAV:
		return newWAVEncoder(w, af), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, format)
	}
}

// checkFrame validates that frame matches af.
func checkFrame(frame audio.AudioFrame, af audio.Format) error {
	if frame.SampleRate != af.SampleRate || frame.Channels != af.Channels {
		return fmt.Errorf("%w: frame is %s, encoder expects %s", ErrFormat,
			audio.Format{SampleRate: frame.SampleRate, Channels: frame.Channels}, af)
	}
	return nil
}
