// Package upload forwards sealed segments to remote object storage.
//
// The [Queue] is fed by the storage directory whenever a segment is sealed
// (and once at startup with the reconciliation result). Its single worker
// drains the queue independently of the capture path: enqueueing never
// blocks and never fails, so a network outage cannot stall recording.
// The queue is not persisted; the directory itself is the durable record and
// a restart rebuilds the queue from it.
package upload

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/reccon/internal/segment"
)

// ErrUpload wraps every failed upload attempt recorded on a [Task].
var ErrUpload = errors.New("upload: failed")

// Uploader copies one sealed file to remote storage. Implementations must be
// idempotent: the same file may be uploaded more than once after a crash.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Marker records a successful upload locally. The storage directory
// implements it.
type Marker interface {
	MarkUploaded(path string) (string, error)
}

// Task is one sealed file waiting for upload.
type Task struct {
	// Path is the sealed file.
	Path string

	// State is [segment.StateQueued], [segment.StateUploading] or
	// [segment.StateUploadFailed].
	State segment.State

	// Attempts counts failed attempts so far.
	Attempts int

	// NextEligible is the earliest time of the next attempt.
	NextEligible time.Time

	// LastErr is the error of the most recent failed attempt.
	LastErr error
}
