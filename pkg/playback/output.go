package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/echome/pkg/clock"
	"github.com/harunnryd/echome/pkg/pcm"
)

var (
	ErrOutputClosed = errors.New("playback: output closed")
	ErrSourceEnded  = errors.New("playback: source already ended")
)

// Output is an audio sink with its own monotonic clock.
// Play must never invoke onEnded synchronously.
type Output interface {
	CurrentTime() time.Duration
	SampleRate() int
	Play(samples []float32, at time.Duration, onEnded func()) (Source, error)
	Close() error
}

// Source is one scheduled buffer.
type Source interface {
	Stop() error
}

// OutputFactory builds an output running at sampleRate.
type OutputFactory func(sampleRate int) (Output, error)

// Played records one buffer handed to a VirtualOutput.
type Played struct {
	At       time.Duration
	Duration time.Duration
	Samples  int
}

// VirtualOutput plays nothing; it tracks buffers against a clock.
type VirtualOutput struct {
	mu     sync.Mutex
	clock  clock.Clock
	origin time.Time
	rate   int
	closed bool
	played []Played
}

func NewVirtualOutput(c clock.Clock, sampleRate int) *VirtualOutput {
	if c == nil {
		c = clock.Real{}
	}
	return &VirtualOutput{clock: c, origin: c.Now(), rate: sampleRate}
}

// VirtualFactory returns an OutputFactory producing virtual outputs on c.
func VirtualFactory(c clock.Clock) OutputFactory {
	return func(sampleRate int) (Output, error) {
		return NewVirtualOutput(c, sampleRate), nil
	}
}

func (o *VirtualOutput) CurrentTime() time.Duration {
	return o.clock.Now().Sub(o.origin)
}

func (o *VirtualOutput) SampleRate() int { return o.rate }

func (o *VirtualOutput) Play(samples []float32, at time.Duration, onEnded func()) (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOutputClosed
	}
	dur := pcm.Duration(len(samples), o.rate)
	o.played = append(o.played, Played{At: at, Duration: dur, Samples: len(samples)})
	src := &virtualSource{}
	delay := at + dur - o.CurrentTime()
	src.timer = o.clock.AfterFunc(delay, func() {
		src.mu.Lock()
		if src.stopped {
			src.mu.Unlock()
			return
		}
		src.ended = true
		src.mu.Unlock()
		if onEnded != nil {
			onEnded()
		}
	})
	return src, nil
}

// Played returns a copy of every buffer scheduled so far.
func (o *VirtualOutput) Played() []Played {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Played, len(o.played))
	copy(out, o.played)
	return out
}

func (o *VirtualOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

type virtualSource struct {
	mu      sync.Mutex
	timer   clock.Timer
	ended   bool
	stopped bool
}

func (s *virtualSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSourceEnded
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}
