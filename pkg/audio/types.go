// Package audio defines the frame type that flows from a capture source
// through the level classifier and segment state machine into an encoder,
// plus the small PCM helpers shared by sources and encoders.
//
// All PCM in reccon is signed 16-bit little-endian. Frames carry their own
// sample rate and channel count so that encoders can validate their input.
package audio

import (
	"fmt"
	"time"
)

// AudioFrame represents a single fixed-duration chunk of captured audio.
// Frames are immutable once produced: consumers that need to keep the data
// beyond the current call may retain the frame, but must not modify Data.
type AudioFrame struct {
	// PCM audio data, little-endian int16, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks the start of this frame relative to the capture epoch.
	// It is monotonic across source restarts.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns the playback length of the frame, derived from its byte
// count. Returns 0 when SampleRate is unset.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// End returns the timestamp just past the last sample of the frame.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the number of PCM bytes in one frame of length d.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// String returns a human-readable form, e.g. "48000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
