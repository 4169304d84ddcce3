package config

// Diff describes what changed between two configs. Only the log level can be
// applied to a running process; every other change is listed in Restart by
// its YAML key.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Restart lists changed keys that take effect on the next start.
	Restart []string
}

// Changed reports whether anything differs.
func (d Diff) Changed() bool { return d.LogLevelChanged || len(d.Restart) > 0 }

// Compare returns the differences between old and new. Both must have had
// [ApplyDefaults] applied.
func Compare(old, new *Config) Diff {
	var d Diff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	restart := func(key string, changed bool) {
		if changed {
			d.Restart = append(d.Restart, key)
		}
	}
	restart("storage_dir", old.StorageDir != new.StorageDir)
	restart("threshold", old.ThresholdValue() != new.ThresholdValue())
	restart("remote_bucket", old.RemoteBucket != new.RemoteBucket)
	restart("partial_policy", old.PartialPolicy != new.PartialPolicy)
	restart("listen_addr", old.ListenAddr != new.ListenAddr)
	restart("source", old.Source != new.Source)

	og, ng := old.Segment, new.Segment
	restart("segment", og.MaxSegmentDuration() != ng.MaxSegmentDuration() ||
		og.Measure != ng.Measure ||
		og.DebounceFrames != ng.DebounceFrames ||
		og.OnsetFrames != ng.OnsetFrames ||
		og.TrailingSilence != ng.TrailingSilence ||
		og.PreRoll != ng.PreRoll)

	restart("encoder", old.Encoder != new.Encoder)
	restart("upload", old.Upload != new.Upload)
	return d
}
