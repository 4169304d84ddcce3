package capture

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/MrWong99/reccon/pkg/audio"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func collect(t *testing.T, st Stream) []audio.AudioFrame {
	t.Helper()
	var out []audio.AudioFrame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-st.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func TestExecSource_ReadsFixedFrames(t *testing.T) {
	t.Parallel()
	requireShell(t)
	src := &ExecSource{
		Command:       "head -c 10000 /dev/zero",
		Format:        audio.Format{SampleRate: 16000, Channels: 1},
		FrameDuration: 100 * time.Millisecond,
	}
	st, err := src.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	frames := collect(t, st)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3 (trailing partial frame dropped)", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != 3200 {
			t.Errorf("frame %d: %d bytes, want 3200", i, len(f.Data))
		}
		if want := time.Duration(i) * 100 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d: Timestamp = %v, want %v", i, f.Timestamp, want)
		}
	}
	if !errors.Is(st.Err(), ErrSourceUnavailable) {
		t.Errorf("Err = %v, want ErrSourceUnavailable", st.Err())
	}
}

func TestExecSource_FailingCommand(t *testing.T) {
	t.Parallel()
	requireShell(t)
	src := &ExecSource{Command: "echo boom >&2; exit 3", Format: audio.Format{SampleRate: 16000, Channels: 1}}
	st, err := src.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if n := len(collect(t, st)); n != 0 {
		t.Errorf("got %d frames", n)
	}
	err = st.Err()
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("Err = %v, want ErrSourceUnavailable", err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Errorf("Err = %v, want exit status 3", err)
	}
}

func TestExecSource_CloseStopsCommand(t *testing.T) {
	t.Parallel()
	requireShell(t)
	src := &ExecSource{Command: "exec sleep 30", Format: audio.Format{SampleRate: 16000, Channels: 1}}
	st, err := src.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		_ = st.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if _, ok := <-st.Frames(); ok {
		t.Error("frames channel still open after Close")
	}
}

func TestExecSource_InvalidFormat(t *testing.T) {
	t.Parallel()
	_, err := (&ExecSource{Command: "true"}).Open(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}
