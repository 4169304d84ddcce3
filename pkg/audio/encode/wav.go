package encode

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/reccon/pkg/audio"
)

const wavBitDepth = 16

// wavEncoder writes 16-bit PCM WAV. The RIFF header sizes are patched on
// Close, which is why it needs a seekable writer.
type wavEncoder struct {
	enc    *wav.Encoder
	format audio.Format
	buf    goaudio.IntBuffer
}

func newWAVEncoder(w io.WriteSeeker, af audio.Format) *wavEncoder {
	return &wavEncoder{
		enc:    wav.NewEncoder(w, af.SampleRate, wavBitDepth, af.Channels, 1),
		format: af,
		buf: goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: af.Channels, SampleRate: af.SampleRate},
			SourceBitDepth: wavBitDepth,
		},
	}
}

// Write implements [Encoder].
func (e *wavEncoder) Write(frame audio.AudioFrame) error {
	if err := checkFrame(frame, e.format); err != nil {
		return err
	}
	e.buf.Data = audio.BytesToInts(frame.Data)
	if err := e.enc.Write(&e.buf); err != nil {
		return fmt.Errorf("encode: wav write: %w", err)
	}
	return nil
}

// Close implements [Encoder].
func (e *wavEncoder) Close() error {
	if err := e.enc.Close(); err != nil {
		return fmt.Errorf("encode: wav close: %w", err)
	}
	return nil
}
