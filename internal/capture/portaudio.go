//go:build !noportaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/reccon/pkg/audio"
)

// Open initialises PortAudio and starts an input stream on the selected
// device.
func (s *PortAudioSource) Open(_ context.Context) (Stream, error) {
	format := s.Format
	if format.Channels <= 0 {
		format.Channels = 1
	}
	d := s.FrameDuration
	if d <= 0 {
		d = DefaultFrameDuration
	}
	perBuf := int(int64(format.SampleRate) * int64(d) / int64(time.Second))
	if perBuf <= 0 {
		return nil, fmt.Errorf("%w: frame of %v at %d Hz holds no samples", ErrSourceUnavailable, d, format.SampleRate)
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: %w", ErrSourceUnavailable, err)
	}
	dev, err := s.device()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	buf := make([]float32, perBuf*format.Channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: perBuf,
	}, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open %q: %w", ErrSourceUnavailable, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start %q: %w", ErrSourceUnavailable, dev.Name, err)
	}
	log.Info("audio device opened", "device", dev.Name, "format", format.String())

	st := &paStream{
		frames: make(chan audio.AudioFrame, defaultFrameBuffer),
		done:   make(chan struct{}),
		log:    log.With("device", dev.Name),
	}
	go st.read(stream, buf, &framer{format: format})
	return st, nil
}

func (s *PortAudioSource) device() (*portaudio.DeviceInfo, error) {
	if s.Device == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %w", ErrSourceUnavailable, err)
		}
		return dev, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", ErrSourceUnavailable, err)
	}
	dev := matchDevice(devs, s.Device)
	if dev == nil {
		return nil, fmt.Errorf("%w: no input device matches %q", ErrSourceUnavailable, s.Device)
	}
	return dev, nil
}

// matchDevice returns the first device with an input channel whose name
// contains name, ignoring case.
func matchDevice(devs []*portaudio.DeviceInfo, name string) *portaudio.DeviceInfo {
	want := strings.ToLower(name)
	for _, d := range devs {
		if d == nil || d.MaxInputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d
		}
	}
	return nil
}

type paStream struct {
	frames chan audio.AudioFrame
	done   chan struct{}
	log    *slog.Logger

	err       error
	closeOnce sync.Once
}

func (s *paStream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *paStream) Err() error { return s.err }

// read owns the PortAudio stream: blocking reads are not safe to mix with
// Stop from another goroutine.
func (s *paStream) read(stream *portaudio.Stream, buf []float32, fr *framer) {
	defer close(s.frames)
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
		_ = portaudio.Terminate()
	}()

	for {
		select {
		case <-s.done:
			s.err = ErrSourceUnavailable
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				s.log.Warn("audio input overflowed")
				continue
			}
			s.err = fmt.Errorf("%w: read: %w", ErrSourceUnavailable, err)
			return
		}

		select {
		case s.frames <- fr.frame(audio.Float32sToBytes(buf)):
		case <-s.done:
			s.err = ErrSourceUnavailable
			return
		}
	}
}

// Close stops capture after the read in progress returns.
func (s *paStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for range s.frames {
		}
	})
	return nil
}
