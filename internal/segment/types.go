// Package segment owns the lifecycle of the one in-progress recording.
//
// A [Machine] consumes classified frames and decides when to open, extend and
// seal a segment. It cycles Idle → Recording ⇄ TrailingSilence → Idle for the
// lifetime of the process. File handling is delegated to an [Opener] (the
// storage directory) so the machine itself performs no I/O.
package segment

import (
	"context"
	"time"

	"github.com/MrWong99/reccon/pkg/audio"
)

// State is the lifecycle state of a segment, or of the machine when no
// segment is open ([StateIdle]).
type State int

const (
	// StateIdle means no segment is open.
	StateIdle State = iota

	// StateRecording accepts frames while the input is loud.
	StateRecording

	// StateTrailingSilence still accepts frames while the silence hold runs.
	StateTrailingSilence

	// StateClosed means the file is sealed and immutable.
	StateClosed

	// StateFailed means the segment was abandoned after an I/O error.
	StateFailed

	// StateQueued means the sealed file waits in the upload queue.
	StateQueued

	// StateUploading means an upload attempt is in flight.
	StateUploading

	// StateUploaded means the file reached remote storage.
	StateUploaded

	// StateUploadFailed means the last attempt failed and a retry is pending.
	StateUploadFailed
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateTrailingSilence:
		return "trailing_silence"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateQueued:
		return "queued"
	case StateUploading:
		return "uploading"
	case StateUploaded:
		return "uploaded"
	case StateUploadFailed:
		return "upload_failed"
	default:
		return "unknown"
	}
}

// Segment describes one continuous recorded take.
type Segment struct {
	// ID is a lexically sortable, creation-ordered identifier.
	ID string

	// Start is the stream timestamp of the first written frame.
	Start time.Duration

	// End is the stream timestamp just past the last written frame. Zero
	// while the segment is open.
	End time.Duration

	// Path is the file currently holding the segment. It changes when the
	// file is sealed.
	Path string

	State State

	// Frames counts frames written so far.
	Frames int

	// last is the end of the most recent written frame.
	last time.Duration
}

// Length returns the audio length covered by the segment so far.
func (s *Segment) Length() time.Duration {
	if s.Frames == 0 {
		return 0
	}
	return s.last - s.Start
}

// Opener allocates the file for a new segment.
type Opener interface {
	Open(ctx context.Context) (Recording, error)
}

// Recording is an open segment file.
type Recording interface {
	// ID returns the segment identifier.
	ID() string

	// Path returns the path of the in-progress file.
	Path() string

	// Write appends one frame.
	Write(frame audio.AudioFrame) error

	// Seal finalises the file and returns its sealed path. After Seal the
	// file is immutable.
	Seal() (string, error)

	// Abort discards the recording after a failure, applying the partial
	// file policy. cause is recorded for diagnostics.
	Abort(cause error)
}
