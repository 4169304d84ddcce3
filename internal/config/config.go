// Package config defines the reccon configuration schema and its loader.
//
// A [Config] is loaded once at startup, defaulted and validated, then passed
// by value or pointer to the constructors that need it. Nothing reads it
// ambiently afterwards.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/reccon/internal/level"
	"github.com/MrWong99/reccon/internal/storage"
	"github.com/MrWong99/reccon/pkg/audio/encode"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SourceKind selects the audio source implementation.
type SourceKind string

const (
	// SourceExec reads raw PCM from a shell command's stdout.
	SourceExec SourceKind = "exec"

	// SourcePortAudio captures from a local input device.
	SourcePortAudio SourceKind = "portaudio"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool { return k == SourceExec || k == SourcePortAudio }

// Config is the root configuration structure.
type Config struct {
	// StorageDir is the directory reccon exclusively owns. Required.
	StorageDir string `yaml:"storage_dir"`

	// Threshold is the linear loudness threshold in [0, 1]. Required.
	Threshold *float64 `yaml:"threshold"`

	// RemoteBucket is a gs://bucket[/prefix/] URL. Empty disables uploads.
	RemoteBucket string `yaml:"remote_bucket"`

	// PartialPolicy decides what happens to unsealed files.
	PartialPolicy storage.PartialPolicy `yaml:"partial_policy"`

	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr enables the metrics and health server when set.
	ListenAddr string `yaml:"listen_addr"`

	Source  SourceConfig  `yaml:"source"`
	Segment SegmentConfig `yaml:"segment"`
	Encoder EncoderConfig `yaml:"encoder"`
	Upload  UploadConfig  `yaml:"upload"`
}

// SourceConfig configures audio acquisition.
type SourceConfig struct {
	Kind SourceKind `yaml:"kind"`

	// Command is the exec source's shell command.
	Command string `yaml:"command"`

	// Device is a substring of the PortAudio input device name.
	Device string `yaml:"device"`

	SampleRate    int           `yaml:"sample_rate"`
	FrameDuration time.Duration `yaml:"frame_duration"`

	RestartBackoff    time.Duration `yaml:"restart_backoff"`
	MaxRestartBackoff time.Duration `yaml:"max_restart_backoff"`
}

// SegmentConfig configures loudness classification and segmentation.
type SegmentConfig struct {
	Measure         level.Measure `yaml:"measure"`
	DebounceFrames  int           `yaml:"debounce_frames"`
	OnsetFrames     int           `yaml:"onset_frames"`
	TrailingSilence time.Duration `yaml:"trailing_silence"`
	PreRoll         time.Duration `yaml:"pre_roll"`

	// MaxDuration caps a segment's length. An explicit zero disables the
	// cap; leaving it out selects [DefaultMaxDuration].
	MaxDuration *time.Duration `yaml:"max_duration"`
}

// EncoderConfig selects the on-disk format.
type EncoderConfig struct {
	Format  encode.Format `yaml:"format"`
	Bitrate int           `yaml:"bitrate"`
}

// UploadConfig tunes the upload retry policy.
type UploadConfig struct {
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// Defaults.
const (
	DefaultSampleRate        = 48000
	DefaultFrameDuration     = 100 * time.Millisecond
	DefaultRestartBackoff    = time.Second
	DefaultMaxRestartBackoff = 30 * time.Second
	DefaultDebounceFrames    = 3
	DefaultOnsetFrames       = 1
	DefaultTrailingSilence   = 2 * time.Second
	DefaultPreRoll           = time.Second
	DefaultMaxDuration       = time.Hour
	DefaultBitrate           = 64000
	DefaultBaseDelay         = 5 * time.Second
	DefaultMaxDelay          = 5 * time.Minute
	DefaultAttemptTimeout    = 2 * time.Minute
	DefaultBreakerFailures   = 5
	DefaultBreakerReset      = 30 * time.Second
)

// DefaultCommand is the exec source command used when none is configured.
const DefaultCommand = "rec -q -L -t raw -c 1 -e signed -b 16 -r 48k -"

// ApplyDefaults fills every unset optional field.
func ApplyDefaults(cfg *Config) {
	if cfg.PartialPolicy == "" {
		cfg.PartialPolicy = storage.PolicyKeep
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}

	s := &cfg.Source
	if s.Kind == "" {
		s.Kind = SourceExec
	}
	if s.Kind == SourceExec && s.Command == "" {
		s.Command = DefaultCommand
	}
	if s.SampleRate == 0 {
		s.SampleRate = DefaultSampleRate
	}
	if s.FrameDuration == 0 {
		s.FrameDuration = DefaultFrameDuration
	}
	if s.RestartBackoff == 0 {
		s.RestartBackoff = DefaultRestartBackoff
	}
	if s.MaxRestartBackoff == 0 {
		s.MaxRestartBackoff = DefaultMaxRestartBackoff
	}

	g := &cfg.Segment
	if g.Measure == "" {
		g.Measure = level.MeasureRMS
	}
	if g.DebounceFrames == 0 {
		g.DebounceFrames = DefaultDebounceFrames
	}
	if g.OnsetFrames == 0 {
		g.OnsetFrames = DefaultOnsetFrames
	}
	if g.TrailingSilence == 0 {
		g.TrailingSilence = DefaultTrailingSilence
	}
	if g.PreRoll == 0 {
		g.PreRoll = DefaultPreRoll
	}
	if g.MaxDuration == nil {
		d := DefaultMaxDuration
		g.MaxDuration = &d
	}

	if cfg.Encoder.Format == "" {
		cfg.Encoder.Format = encode.FormatOpus
	}
	if cfg.Encoder.Bitrate == 0 {
		cfg.Encoder.Bitrate = DefaultBitrate
	}

	u := &cfg.Upload
	if u.BaseDelay == 0 {
		u.BaseDelay = DefaultBaseDelay
	}
	if u.MaxDelay == 0 {
		u.MaxDelay = DefaultMaxDelay
	}
	if u.AttemptTimeout == 0 {
		u.AttemptTimeout = DefaultAttemptTimeout
	}
	if u.BreakerFailures == 0 {
		u.BreakerFailures = DefaultBreakerFailures
	}
	if u.BreakerReset == 0 {
		u.BreakerReset = DefaultBreakerReset
	}
}

// MaxSegmentDuration returns the segment length cap; zero means none.
func (s SegmentConfig) MaxSegmentDuration() time.Duration {
	if s.MaxDuration == nil {
		return 0
	}
	return *s.MaxDuration
}

// ThresholdValue returns the configured threshold, or 0 when unset.
func (c *Config) ThresholdValue() float64 {
	if c.Threshold == nil {
		return 0
	}
	return *c.Threshold
}
