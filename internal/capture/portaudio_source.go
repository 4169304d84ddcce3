package capture

import (
	"log/slog"
	"time"

	"github.com/MrWong99/reccon/pkg/audio"
)

// PortAudioSource captures from a local input device through PortAudio.
//
// Binaries built with the noportaudio tag do not link libportaudio; there
// Open always fails with [ErrSourceUnavailable].
type PortAudioSource struct {
	// Device selects the first input device whose name contains this
	// substring, ignoring case. Empty selects the system default.
	Device string

	// Format is the requested capture format. Channels defaults to 1.
	Format audio.Format

	// FrameDuration is the length of one frame. Default: 100ms.
	FrameDuration time.Duration

	// Logger receives overflow warnings. Default: [slog.Default].
	Logger *slog.Logger
}

