package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/harunnryd/echome/pkg/logging"
	"github.com/harunnryd/echome/pkg/playback"
)

// DefaultSpeakerBuffer is the number of samples written per device call.
const DefaultSpeakerBuffer = 480

// Speaker is a playback.Output on the default output device. A writer
// goroutine renders the mixer timeline into the stream, so CurrentTime
// advances with what the device has accepted.
type Speaker struct {
	rate   int
	mix    *playback.Mixer
	stream *portaudio.Stream
	buf    []float32
	logger *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSpeaker opens a mono float32 output stream at sampleRate.
func OpenSpeaker(sampleRate, bufferSamples int, logger *slog.Logger) (*Speaker, error) {
	if bufferSamples <= 0 {
		bufferSamples = DefaultSpeakerBuffer
	}
	s := &Speaker{
		rate:   sampleRate,
		mix:    playback.NewMixer(sampleRate),
		buf:    make([]float32, bufferSamples),
		logger: logging.NewComponentLogger(logger, "speaker"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), bufferSamples, s.buf)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	s.stream = stream
	go s.loop()
	return s, nil
}

// SpeakerFactory opens speakers for a playback scheduler.
func SpeakerFactory(bufferSamples int, logger *slog.Logger) playback.OutputFactory {
	return func(sampleRate int) (playback.Output, error) {
		return OpenSpeaker(sampleRate, bufferSamples, logger)
	}
}

func (s *Speaker) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		ended := s.mix.Render(s.buf)
		if err := s.stream.Write(); err != nil {
			s.logger.Warn("speaker_write_error", "error", err)
		}
		for _, fn := range ended {
			fn()
		}
	}
}

func (s *Speaker) CurrentTime() time.Duration { return s.mix.Now() }

func (s *Speaker) SampleRate() int { return s.rate }

func (s *Speaker) Play(samples []float32, at time.Duration, onEnded func()) (playback.Source, error) {
	select {
	case <-s.stop:
		return nil, playback.ErrOutputClosed
	default:
	}
	id := s.mix.Schedule(samples, at, onEnded)
	return speakerSource{mix: s.mix, id: id}, nil
}

func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

type speakerSource struct {
	mix *playback.Mixer
	id  uint64
}

func (s speakerSource) Stop() error {
	if !s.mix.Stop(s.id) {
		return playback.ErrSourceEnded
	}
	return nil
}
