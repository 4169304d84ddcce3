//go:build noportaudio

package capture

import (
	"context"
	"fmt"
)

// Open implements [Source]. PortAudio support is not compiled in.
func (s *PortAudioSource) Open(context.Context) (Stream, error) {
	return nil, fmt.Errorf("%w: portaudio support not built in (noportaudio tag); use the exec source", ErrSourceUnavailable)
}
