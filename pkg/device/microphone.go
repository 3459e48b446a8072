// Package device binds the default audio input and output devices through PortAudio.
package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/harunnryd/echome/pkg/logging"
)

// Initialize starts PortAudio. Call the returned function on shutdown.
func Initialize() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return func() { _ = portaudio.Terminate() }, nil
}

type MicConfig struct {
	SampleRate   int
	FrameSamples int
	// Backlog is how many frames may wait for the consumer before new ones are dropped.
	Backlog int
}

// Microphone reads mono float32 frames from the default input device.
type Microphone struct {
	cfg    MicConfig
	stream *portaudio.Stream
	buf    []float32
	frames chan []float32
	logger *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func OpenMicrophone(cfg MicConfig, logger *slog.Logger) (*Microphone, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 512
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 32
	}
	m := &Microphone{
		cfg:    cfg,
		buf:    make([]float32, cfg.FrameSamples),
		frames: make(chan []float32, cfg.Backlog),
		logger: logging.NewComponentLogger(logger, "microphone"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), cfg.FrameSamples, m.buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	m.stream = stream
	go m.loop()
	m.logger.Info("microphone_started", "sample_rate", cfg.SampleRate, "frame_samples", cfg.FrameSamples)
	return m, nil
}

func (m *Microphone) loop() {
	defer close(m.done)
	defer close(m.frames)
	dropped := 0
	for {
		select {
		case <-m.stop:
			return
		default:
		}
		if err := m.stream.Read(); err != nil {
			m.logger.Warn("microphone_read_error", "error", err)
			continue
		}
		frame := make([]float32, len(m.buf))
		copy(frame, m.buf)
		select {
		case m.frames <- frame:
		default:
			dropped++
			if dropped%100 == 1 {
				m.logger.Warn("microphone_frames_dropped", "dropped", dropped)
			}
		}
	}
}

// Frames is closed when the microphone is closed.
func (m *Microphone) Frames() <-chan []float32 { return m.frames }

func (m *Microphone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
