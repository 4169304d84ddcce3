package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/reccon/pkg/audio"
)

// DefaultCommand records mono 16-bit little-endian PCM at 48 kHz with SoX.
const DefaultCommand = "rec -q -L -t raw -c 1 -e signed -b 16 -r 48k -"

// stopGrace is how long a stopped process may take to exit after SIGINT
// before it is killed.
const stopGrace = 1200 * time.Millisecond

// ExecSource reads raw signed 16-bit little-endian PCM from the stdout of a
// shell command.
type ExecSource struct {
	// Command is run with "sh -c". Default: [DefaultCommand]. Prefix a
	// single command with "exec" if the shell would otherwise stay between
	// it and the interrupt sent on Close.
	Command string

	// Format must match what the command writes.
	Format audio.Format

	// FrameDuration is the length of one frame. Default: 100ms.
	FrameDuration time.Duration
}

// Open starts the command.
func (s *ExecSource) Open(ctx context.Context) (Stream, error) {
	command := s.Command
	if command == "" {
		command = DefaultCommand
	}
	format := s.Format
	if format.Channels <= 0 {
		format.Channels = 1
	}
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrSourceUnavailable, format.SampleRate)
	}
	d := s.FrameDuration
	if d <= 0 {
		d = DefaultFrameDuration
	}
	size := format.FrameBytes(d)
	if size <= 0 {
		return nil, fmt.Errorf("%w: frame of %v holds no samples", ErrSourceUnavailable, d)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace
	st := &execStream{
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan audio.AudioFrame, defaultFrameBuffer),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &st.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrSourceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %q: %w", ErrSourceUnavailable, command, err)
	}

	go st.read(stdout, size, &framer{format: format})
	return st, nil
}

type execStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan audio.AudioFrame
	done   chan struct{}
	stderr lockedBuffer

	err       error
	closeOnce sync.Once
}

func (s *execStream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *execStream) Err() error { return s.err }

// read delivers frames until the pipe fails, then reaps the process.
func (s *execStream) read(stdout io.Reader, size int, fr *framer) {
	defer close(s.frames)

	var readErr error
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			readErr = err
			break
		}
		select {
		case s.frames <- fr.frame(buf):
		case <-s.done:
			readErr = errStopped
		}
		if readErr != nil {
			break
		}
	}

	waitErr := s.cmd.Wait()
	switch {
	case errors.Is(readErr, errStopped):
		s.err = ErrSourceUnavailable
	case waitErr != nil:
		s.err = fmt.Errorf("%w: %w%s", ErrSourceUnavailable, waitErr, s.stderr.tail())
	case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
		s.err = fmt.Errorf("%w: command exited%s", ErrSourceUnavailable, s.stderr.tail())
	default:
		s.err = fmt.Errorf("%w: %w", ErrSourceUnavailable, readErr)
	}
}

var errStopped = errors.New("stopped")

// Close interrupts the command, kills it if it does not exit within the grace
// period and waits for the reader to finish.
func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		for range s.frames {
		}
	})
	return nil
}

// lockedBuffer collects stderr; exec writes it from its own goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 4096 {
		b.buf.Reset()
	}
	return b.buf.Write(p)
}

// tail returns the trimmed stderr output prefixed with ": ", or "".
func (b *lockedBuffer) tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := bytes.TrimSpace(b.buf.Bytes())
	if len(s) == 0 {
		return ""
	}
	return ": " + string(s)
}
