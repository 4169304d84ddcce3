// Package mock provides a scriptable [upload.Uploader] for tests.
package mock

import (
	"context"
	"sync"
)

// Call records one Upload invocation.
type Call struct {
	Path string
	Err  error
}

// Uploader records every call. Errors are taken from Script in order, then
// from Errs by path, then Err.
type Uploader struct {
	mu sync.Mutex

	// Script yields one error per call until exhausted. A nil entry is a
	// successful call.
	Script []error

	// Errs maps a path to the error returned for every upload of it.
	Errs map[string]error

	// Err is returned when neither Script nor Errs apply.
	Err error

	// Hook, when set, runs before the error is chosen. Its error, if non-nil,
	// is returned instead.
	Hook func(ctx context.Context, path string) error

	calls []Call
	done  chan string
}

// Upload implements upload.Uploader.
func (u *Uploader) Upload(ctx context.Context, path string) error {
	var err error
	if u.Hook != nil {
		err = u.Hook(ctx, path)
	}

	u.mu.Lock()
	if err == nil {
		switch {
		case len(u.Script) > 0:
			err = u.Script[0]
			u.Script = u.Script[1:]
		case u.Errs[path] != nil:
			err = u.Errs[path]
		default:
			err = u.Err
		}
	}
	u.calls = append(u.calls, Call{Path: path, Err: err})
	done := u.done
	u.mu.Unlock()

	if done != nil {
		select {
		case done <- path:
		default:
		}
	}
	return err
}

// Calls returns a copy of the recorded calls.
func (u *Uploader) Calls() []Call {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Call(nil), u.calls...)
}

// CallCount returns the number of uploads of path.
func (u *Uploader) CallCount(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.calls {
		if c.Path == path {
			n++
		}
	}
	return n
}

// Notify returns a channel that receives the path of every call. Sends are
// dropped when the channel is full.
func (u *Uploader) Notify(size int) <-chan string {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = make(chan string, size)
	return u.done
}

// Marker records MarkUploaded calls.
type Marker struct {
	mu     sync.Mutex
	Err    error
	Marked []string
}

// MarkUploaded implements upload.Marker.
func (m *Marker) MarkUploaded(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Marked = append(m.Marked, path)
	return path + ".uploaded", nil
}

// Paths returns a copy of the marked paths.
func (m *Marker) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Marked...)
}
