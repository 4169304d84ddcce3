package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/reccon/internal/upload/gcs"
	"github.com/MrWong99/reccon/pkg/audio"
	"github.com/MrWong99/reccon/pkg/audio/encode"
)

// Load reads the YAML file at path and returns a defaulted, validated
// [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg after [ApplyDefaults] and returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.StorageDir == "" {
		add("storage_dir is required")
	}
	switch t := cfg.Threshold; {
	case t == nil:
		add("threshold is required")
	case math.IsNaN(*t) || *t < 0 || *t > 1:
		add("threshold %v is out of range [0, 1]", *t)
	}
	if cfg.RemoteBucket != "" {
		if _, err := gcs.ParseURL(cfg.RemoteBucket); err != nil {
			add("remote_bucket: %w", err)
		}
	}
	if !cfg.PartialPolicy.IsValid() {
		add("partial_policy %q is invalid; valid values: delete, keep", cfg.PartialPolicy)
	}
	if !cfg.LogLevel.IsValid() {
		add("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel)
	}

	s := cfg.Source
	if !s.Kind.IsValid() {
		add("source.kind %q is invalid; valid values: exec, portaudio", s.Kind)
	}
	if s.SampleRate <= 0 {
		add("source.sample_rate must be positive, got %d", s.SampleRate)
	}
	if s.FrameDuration <= 0 {
		add("source.frame_duration must be positive, got %v", s.FrameDuration)
	} else if s.SampleRate > 0 && (audio.Format{SampleRate: s.SampleRate, Channels: 1}).FrameBytes(s.FrameDuration) == 0 {
		add("source.frame_duration %v holds no samples at %d Hz", s.FrameDuration, s.SampleRate)
	}
	if s.RestartBackoff < 0 || s.MaxRestartBackoff < s.RestartBackoff {
		add("source.restart_backoff %v and max_restart_backoff %v must satisfy 0 <= backoff <= max", s.RestartBackoff, s.MaxRestartBackoff)
	}

	g := cfg.Segment
	if !g.Measure.IsValid() {
		add("segment.measure %q is invalid; valid values: rms, peak", g.Measure)
	}
	if g.DebounceFrames < 1 {
		add("segment.debounce_frames must be at least 1, got %d", g.DebounceFrames)
	}
	if g.OnsetFrames < 1 {
		add("segment.onset_frames must be at least 1, got %d", g.OnsetFrames)
	}
	if g.TrailingSilence < 0 {
		add("segment.trailing_silence must not be negative, got %v", g.TrailingSilence)
	}
	if g.PreRoll < 0 {
		add("segment.pre_roll must not be negative, got %v", g.PreRoll)
	}
	if d := g.MaxSegmentDuration(); d < 0 {
		add("segment.max_duration must not be negative, got %v", d)
	} else if d > 0 && d <= g.PreRoll {
		add("segment.max_duration %v must exceed pre_roll %v", d, g.PreRoll)
	}

	e := cfg.Encoder
	if !e.Format.IsValid() {
		add("encoder.format %q is invalid; valid values: opus, wav", e.Format)
	}
	if e.Format == encode.FormatOpus && !encode.OpusSampleRate(s.SampleRate) {
		add("encoder.format opus requires source.sample_rate of 8000, 12000, 16000, 24000 or 48000, got %d", s.SampleRate)
	}
	if e.Bitrate < 0 {
		add("encoder.bitrate must not be negative, got %d", e.Bitrate)
	}

	u := cfg.Upload
	if u.BaseDelay <= 0 || u.MaxDelay < u.BaseDelay {
		add("upload.base_delay %v and max_delay %v must satisfy 0 < base <= max", u.BaseDelay, u.MaxDelay)
	}
	if u.AttemptTimeout <= 0 {
		add("upload.attempt_timeout must be positive, got %v", u.AttemptTimeout)
	}
	if u.BreakerFailures < 1 {
		add("upload.breaker_failures must be at least 1, got %d", u.BreakerFailures)
	}
	if u.BreakerReset <= 0 {
		add("upload.breaker_reset must be positive, got %v", u.BreakerReset)
	}

	return errors.Join(errs...)
}
