package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/echome/pkg/clock"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/logging"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/pcm"
)

// ErrNoOutput is returned when no output factory was configured.
var ErrNoOutput = errors.New("playback: no output available")

type Config struct {
	// SampleRate of incoming chunks.
	SampleRate int
	// IdleDebounce is how long the queue must stay empty before playback counts as stopped.
	IdleDebounce time.Duration
	Gain         float64
	SessionID    string
}

// Scheduled describes where a chunk landed on the output timeline.
type Scheduled struct {
	ID       uint64
	StartAt  time.Duration
	Duration time.Duration
}

type gainStage struct {
	level float64
}

func (g *gainStage) apply(samples []float32) {
	if g == nil || g.level == 1 {
		return
	}
	l := float32(g.level)
	for i := range samples {
		samples[i] *= l
	}
}

// Scheduler places decoded chunks back to back on an output timeline.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	factory OutputFactory
	clock   clock.Clock
	logger  *slog.Logger
	obs     metrics.Observer

	out       Output
	outErr    error
	gain      *gainStage
	sources   map[uint64]Source
	seq       uint64
	nextStart time.Duration
	hasCursor bool
	playing   bool
	idle      clock.Timer
	idleGen   uint64
	onIdle    func()
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = logging.NewComponentLogger(l, "playback")
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithIdleCallback registers fn to run when the idle debounce elapses.
func WithIdleCallback(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

func NewScheduler(cfg Config, factory OutputFactory, opts ...Option) *Scheduler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.IdleDebounce <= 0 {
		cfg.IdleDebounce = 350 * time.Millisecond
	}
	if cfg.Gain <= 0 {
		cfg.Gain = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		factory: factory,
		clock:   clock.Real{},
		logger:  logging.NewComponentLogger(slog.Default(), "playback"),
		obs:     metrics.NoopObserver{},
		sources: make(map[uint64]Source),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resume creates the output and gain stage if they do not exist yet. It
// retries a factory that failed before.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outErr = nil
	return s.ensureOutputLocked()
}

// ensureOutputLocked opens the output once. A factory failure is kept and
// returned to later callers until Resume or Close.
func (s *Scheduler) ensureOutputLocked() error {
	if s.out != nil {
		return nil
	}
	if s.outErr != nil {
		return s.outErr
	}
	if s.factory == nil {
		return errorsx.Wrap(ErrNoOutput, errorsx.ReasonPlaybackUnavailable)
	}
	out, err := s.factory(s.cfg.SampleRate)
	if err != nil {
		s.outErr = errorsx.Wrap(fmt.Errorf("playback: open output: %w", err), errorsx.ReasonPlaybackUnavailable)
		s.logger.Error("playback_output_failed", "error", err, "reason_code", errorsx.ReasonPlaybackUnavailable)
		return s.outErr
	}
	s.out = out
	s.gain = &gainStage{level: s.cfg.Gain}
	s.logger.Info("playback_output_ready", "sample_rate", out.SampleRate())
	return nil
}

// Enqueue decodes a PCM chunk and schedules it right after the previous one.
func (s *Scheduler) Enqueue(chunk []byte) (Scheduled, error) {
	samples, err := pcm.Decode(chunk)
	if err != nil {
		return Scheduled{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOutputLocked(); err != nil {
		return Scheduled{}, err
	}
	s.gain.apply(samples)

	now := s.out.CurrentTime()
	startAt := now
	if s.hasCursor && s.nextStart > now {
		startAt = s.nextStart
	}
	dur := pcm.Duration(len(samples), s.cfg.SampleRate)

	s.seq++
	id := s.seq
	src, err := s.out.Play(samples, startAt, func() { s.onEnded(id) })
	if err != nil {
		return Scheduled{}, errorsx.Wrap(fmt.Errorf("playback: schedule: %w", err), errorsx.ReasonPlaybackUnavailable)
	}
	s.sources[id] = src
	s.nextStart = startAt + dur
	s.hasCursor = true
	s.playing = true
	s.cancelIdleLocked()

	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "playback_chunk",
		Time:  s.clock.Now(),
		Value: float64(dur.Milliseconds()),
		Tags: map[string]string{
			"session_id": s.cfg.SessionID,
			"start_ms":   strconv.FormatInt(startAt.Milliseconds(), 10),
		},
	})
	return Scheduled{ID: id, StartAt: startAt, Duration: dur}, nil
}

func (s *Scheduler) onEnded(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return
	}
	delete(s.sources, id)
	if len(s.sources) > 0 {
		return
	}
	s.cancelIdleLocked()
	gen := s.idleGen
	s.idle = s.clock.AfterFunc(s.cfg.IdleDebounce, func() { s.onIdleTimer(gen) })
}

func (s *Scheduler) onIdleTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.idleGen || len(s.sources) > 0 || !s.playing {
		s.mu.Unlock()
		return
	}
	s.idle = nil
	s.playing = false
	s.hasCursor = false
	s.nextStart = 0
	cb := s.onIdle
	s.mu.Unlock()
	s.logger.Debug("playback_idle")
	if cb != nil {
		cb()
	}
}

func (s *Scheduler) cancelIdleLocked() {
	s.idleGen++
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

// StopAll halts every scheduled source and forgets the timeline cursor.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	stopped := s.sources
	s.sources = make(map[uint64]Source)
	s.cancelIdleLocked()
	s.playing = false
	s.hasCursor = false
	s.nextStart = 0
	s.mu.Unlock()

	for _, src := range stopped {
		// Sources that already finished report an error here.
		_ = src.Stop()
	}
	if len(stopped) > 0 {
		s.logger.Debug("playback_stopped", "sources", len(stopped))
	}
}

func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// ActiveSources returns how many scheduled sources have neither ended nor been stopped.
func (s *Scheduler) ActiveSources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// NextStartTime returns the timeline cursor, if one is set.
func (s *Scheduler) NextStartTime() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart, s.hasCursor
}

func (s *Scheduler) SetGain(level float64) {
	if level < 0 {
		level = 0
	}
	s.mu.Lock()
	s.cfg.Gain = level
	if s.gain != nil {
		s.gain.level = level
	}
	s.mu.Unlock()
}

// Close stops playback and releases the output together with its gain stage.
func (s *Scheduler) Close() error {
	s.StopAll()
	s.mu.Lock()
	out := s.out
	s.out = nil
	s.outErr = nil
	s.gain = nil
	s.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.Close()
}
