package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/MrWong99/reccon/pkg/audio"
	"github.com/MrWong99/reccon/pkg/audio/encode"
)

var errFinished = errors.New("storage: recording already sealed or aborted")

// recording is one partial segment file being written by the capture path.
type recording struct {
	dir  *Dir
	name Name
	f    *os.File
	enc  encode.Encoder

	closed   bool // file handle released
	finished bool // sealed or aborted
}

func (r *recording) ID() string   { return r.name.ID }
func (r *recording) Path() string { return r.dir.join(r.name) }

func (r *recording) Write(frame audio.AudioFrame) error {
	if r.finished {
		return errFinished
	}
	if err := r.enc.Write(frame); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncode, r.name.ID, err)
	}
	return nil
}

// Seal finalises the encoder, flushes the file to stable storage and renames
// it to its sealed name. Registered OnSealed hooks run afterwards.
func (r *recording) Seal() (string, error) {
	if r.finished {
		return "", errFinished
	}
	if err := r.enc.Close(); err != nil {
		return "", fmt.Errorf("%w: finalise %s: %w", ErrEncode, r.name.ID, err)
	}
	if err := r.f.Sync(); err != nil {
		return "", fmt.Errorf("storage: sync %s: %w", r.name.ID, err)
	}
	r.closed = true
	if err := r.f.Close(); err != nil {
		return "", fmt.Errorf("storage: close %s: %w", r.name.ID, err)
	}

	final := r.dir.join(r.name.As(KindSealed))
	if err := os.Rename(r.Path(), final); err != nil {
		return "", fmt.Errorf("storage: seal %s: %w", r.name.ID, err)
	}
	r.finished = true
	if err := syncDir(r.dir.path); err != nil {
		r.dir.log.Warn("directory sync failed", "id", r.name.ID, "err", err)
	}

	r.dir.sealed(final)
	return final, nil
}

// Abort releases the file and applies the partial policy. It is safe to call
// after a failed Seal and is a no-op once the recording is finished.
func (r *recording) Abort(cause error) {
	if r.finished {
		return
	}
	r.finished = true
	if !r.closed {
		r.closed = true
		_ = r.f.Close()
	}
	kept, err := r.dir.discard(r.name)
	if err != nil {
		r.dir.log.Error("partial segment cleanup failed", "id", r.name.ID, "cause", cause, "err", err)
		return
	}
	if kept != "" {
		r.dir.log.Warn("partial segment kept", "id", r.name.ID, "path", kept, "cause", cause)
	} else {
		r.dir.log.Warn("partial segment deleted", "id", r.name.ID, "cause", cause)
	}
}
