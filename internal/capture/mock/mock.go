// Package mock provides a scripted [capture.Source] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/reccon/internal/capture"
	audiomock "github.com/MrWong99/reccon/pkg/audio/mock"
)

// Source hands out the streams in Streams, one per successful Open. Entries
// in OpenErrs are consumed first: each non-nil error fails one Open call.
// Once Streams is exhausted Open blocks until ctx is done.
type Source struct {
	mu sync.Mutex

	Streams  []*audiomock.Stream
	OpenErrs []error

	calls  int
	opened chan *audiomock.Stream
}

// NewSource returns a [Source] serving streams in order.
func NewSource(streams ...*audiomock.Stream) *Source {
	return &Source{Streams: streams, opened: make(chan *audiomock.Stream, len(streams))}
}

// Open implements capture.Source.
func (s *Source) Open(ctx context.Context) (capture.Stream, error) {
	s.mu.Lock()
	s.calls++
	if len(s.OpenErrs) > 0 {
		err := s.OpenErrs[0]
		s.OpenErrs = s.OpenErrs[1:]
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	if len(s.Streams) == 0 {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	st := s.Streams[0]
	s.Streams = s.Streams[1:]
	opened := s.opened
	s.mu.Unlock()

	if opened != nil {
		select {
		case opened <- st:
		default:
		}
	}
	return st, nil
}

// Opened receives each stream as it is handed out.
func (s *Source) Opened() <-chan *audiomock.Stream { return s.opened }

// CallCountOpen returns the number of Open calls.
func (s *Source) CallCountOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
