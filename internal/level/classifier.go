// Package level turns audio frames into loud/quiet classifications.
//
// The classifier is the first of two hysteresis stages. It only filters noise:
// a loud reading flips the reported state to loud after OnsetFrames loud
// frames in a row, and back to quiet only after DebounceFrames quiet frames in
// a row. The policy decision of how long to keep recording after the sound
// stops belongs to the segment state machine.
package level

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/reccon/pkg/audio"
)

// Measure selects how the power of a frame is computed.
type Measure string

const (
	// MeasureRMS is the root-mean-square of the samples, normalised to [0, 1].
	MeasureRMS Measure = "rms"

	// MeasurePeak is the largest absolute sample, normalised to [0, 1].
	MeasurePeak Measure = "peak"
)

// IsValid reports whether m is a recognised measure.
func (m Measure) IsValid() bool {
	return m == MeasureRMS || m == MeasurePeak
}

// Default hysteresis parameters.
const (
	defaultDebounceFrames = 3
	defaultOnsetFrames    = 1
)

// Config holds the classifier parameters.
type Config struct {
	// Threshold is the linear power in [0, 1] at or above which a frame is loud.
	Threshold float64

	// DebounceFrames is the number of consecutive quiet frames required before
	// the reported state flips from loud to quiet. Default: 3.
	DebounceFrames int

	// OnsetFrames is the number of consecutive loud frames required before the
	// reported state flips from quiet to loud. Default: 1.
	OnsetFrames int

	// Measure selects the power computation. Default: rms.
	Measure Measure
}

// Classification is the result of classifying one frame.
type Classification struct {
	// Timestamp is the start of the classified frame.
	Timestamp time.Duration

	// Power is the normalised frame power in [0, 1].
	Power float64

	// Raw reports whether this frame alone is at or above the threshold.
	Raw bool

	// Loud is the debounced state.
	Loud bool
}

// Classifier applies threshold and hysteresis to a stream of frames.
// It is not safe for concurrent use; one classifier serves one stream.
type Classifier struct {
	cfg Config

	loud       bool
	loudCount  int
	quietCount int
}

// New creates a [Classifier]. Zero-value config fields are replaced with
// defaults; an out-of-range threshold is rejected.
func New(cfg Config) (*Classifier, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 || math.IsNaN(cfg.Threshold) {
		return nil, fmt.Errorf("level: threshold %v out of range [0, 1]", cfg.Threshold)
	}
	if cfg.DebounceFrames <= 0 {
		cfg.DebounceFrames = defaultDebounceFrames
	}
	if cfg.OnsetFrames <= 0 {
		cfg.OnsetFrames = defaultOnsetFrames
	}
	if cfg.Measure == "" {
		cfg.Measure = MeasureRMS
	}
	if !cfg.Measure.IsValid() {
		return nil, fmt.Errorf("level: unknown measure %q", cfg.Measure)
	}
	return &Classifier{cfg: cfg}, nil
}

// Classify measures frame and updates the hysteresis state.
func (c *Classifier) Classify(frame audio.AudioFrame) Classification {
	var p float64
	if c.cfg.Measure == MeasurePeak {
		p = Peak(frame.Data)
	} else {
		p = RMS(frame.Data)
	}
	return c.observe(frame.Timestamp, p)
}

func (c *Classifier) observe(ts time.Duration, p float64) Classification {
	raw := p >= c.cfg.Threshold
	if raw {
		c.loudCount++
		c.quietCount = 0
		if !c.loud && c.loudCount >= c.cfg.OnsetFrames {
			c.loud = true
		}
	} else {
		c.quietCount++
		c.loudCount = 0
		if c.loud && c.quietCount >= c.cfg.DebounceFrames {
			c.loud = false
		}
	}
	return Classification{Timestamp: ts, Power: p, Raw: raw, Loud: c.loud}
}

// Loud reports the current debounced state.
func (c *Classifier) Loud() bool { return c.loud }

// Reset returns the classifier to quiet with cleared counters. Call it when the
// source restarts so stale state does not leak into the new stream.
func (c *Classifier) Reset() {
	c.loud = false
	c.loudCount = 0
	c.quietCount = 0
}

// RMS returns the root-mean-square of little-endian int16 PCM, normalised by
// full scale so the result lies in [0, 1]. Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Min(math.Sqrt(sum/float64(n))/32768, 1)
}

// Peak returns the largest absolute sample of little-endian int16 PCM,
// normalised by full scale. Empty input yields 0.
func Peak(pcm []byte) float64 {
	var peak int32
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(pcm[i]) | int16(pcm[i+1])<<8)
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return math.Min(float64(peak)/32768, 1)
}
