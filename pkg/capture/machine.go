package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/echome/pkg/adapters/stt"
	"github.com/harunnryd/echome/pkg/clock"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/logging"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/pcm"
	"github.com/harunnryd/echome/pkg/redact"
	"github.com/harunnryd/echome/pkg/vad"
)

// DefaultPreSpeechFrames is the pre-speech ring size.
const DefaultPreSpeechFrames = 7

var ErrNoDetector = errors.New("capture: no vad factory")

// Control is what capture needs from the conversation side.
type Control interface {
	IsEchoGuardActive() bool
	Interrupt()
}

type Config struct {
	PreSpeechFrames int
	SessionID       string
}

// Machine turns VAD events into transcription segments.
type Machine struct {
	mu          sync.Mutex
	cfg         Config
	factory     vad.Factory
	transcriber stt.Transcriber
	control     Control
	logger      *slog.Logger
	obs         metrics.Observer
	clock       clock.Clock

	state           State
	ready           bool
	transcribing    bool
	responsePending bool
	buffer          *preSpeechBuffer
	detector        vad.Detector
	gen             uint64
	onComplete      func(string)
	listeners       []StateListener
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = logging.NewComponentLogger(l, "capture")
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Machine) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.obs = o
		}
	}
}

func New(cfg Config, factory vad.Factory, transcriber stt.Transcriber, control Control, opts ...Option) *Machine {
	if cfg.PreSpeechFrames <= 0 {
		cfg.PreSpeechFrames = DefaultPreSpeechFrames
	}
	m := &Machine{
		cfg:         cfg,
		factory:     factory,
		transcriber: transcriber,
		control:     control,
		logger:      logging.NewComponentLogger(slog.Default(), "capture"),
		obs:         metrics.NoopObserver{},
		clock:       clock.Real{},
		state:       StateUninitialized,
		buffer:      newPreSpeechBuffer(cfg.PreSpeechFrames),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

type notice struct {
	event     StateChange
	listeners []StateListener
}

func (n *notice) deliver() {
	if n == nil {
		return
	}
	for _, l := range n.listeners {
		l.OnStateChange(n.event)
	}
}

// transitionLocked must be called with the lock held. Listeners are returned
// for delivery after the lock is released.
func (m *Machine) transitionLocked(to State, reason string) (*notice, error) {
	from := m.state
	if from == to {
		return nil, nil
	}
	if !transitionValid(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}
	m.state = to
	ls := make([]StateListener, len(m.listeners))
	copy(ls, m.listeners)
	return &notice{
		event:     StateChange{From: from, To: to, Timestamp: m.clock.Now(), Reason: reason},
		listeners: ls,
	}, nil
}

// Init builds and starts the detector. onComplete receives each finished
// utterance. A failure leaves the machine Idle and not ready; Init may be retried.
func (m *Machine) Init(onComplete func(string)) error {
	m.mu.Lock()
	if m.state == StateLoading || (m.state != StateUninitialized && m.ready) {
		m.mu.Unlock()
		return nil
	}
	m.onComplete = onComplete
	n, err := m.transitionLocked(StateLoading, "init")
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.gen++
	gen := m.gen
	factory := m.factory
	m.mu.Unlock()
	n.deliver()

	var det vad.Detector
	if factory == nil {
		err = ErrNoDetector
	} else {
		det, err = factory(m.callbacks(gen))
		if err == nil {
			err = det.Start()
		}
	}
	if err != nil {
		if det != nil {
			det.Destroy()
		}
		m.mu.Lock()
		var fn *notice
		if m.gen == gen {
			m.ready = false
			fn, _ = m.transitionLocked(StateIdle, "vad init failed")
		}
		m.mu.Unlock()
		fn.deliver()
		m.logger.Error("vad_init_failed",
			"session_id", m.cfg.SessionID,
			"error", err,
			"reason_code", errorsx.ReasonVADInit)
		return errorsx.Wrap(fmt.Errorf("capture: start vad: %w", err), errorsx.ReasonVADInit)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		det.Destroy()
		return nil
	}
	m.detector = det
	m.mu.Unlock()
	return nil
}

func (m *Machine) callbacks(gen uint64) vad.Callbacks {
	return vad.Callbacks{
		OnReady:          func() { m.onReady(gen) },
		OnSpeechStart:    func() { m.onSpeechStart(gen) },
		OnSpeechEnd:      func() { m.onSpeechEnd(gen) },
		OnFrameProcessed: func(frame []float32) { m.onFrame(gen, frame) },
	}
}

func (m *Machine) onReady(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateLoading {
		m.mu.Unlock()
		return
	}
	m.ready = true
	n, _ := m.transitionLocked(StateIdle, "vad ready")
	m.mu.Unlock()
	n.deliver()
	m.logger.Info("vad_ready", "session_id", m.cfg.SessionID)
}

func (m *Machine) onSpeechStart(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateIdle || !m.ready {
		m.mu.Unlock()
		return
	}
	control := m.control
	m.mu.Unlock()

	if control != nil {
		if control.IsEchoGuardActive() {
			m.logger.Debug("speech_start_suppressed", "session_id", m.cfg.SessionID)
			m.record("echo_suppressed", 0)
			return
		}
		control.Interrupt()
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateIdle {
		m.mu.Unlock()
		return
	}
	frames := m.buffer.Drain()
	if m.transcriber != nil {
		m.transcriber.Reset()
		if len(frames) > 0 {
			m.transcriber.Send(pcm.Concat(frames))
		}
	}
	m.transcribing = true
	n, _ := m.transitionLocked(StateSpeaking, "speech start")
	m.mu.Unlock()
	n.deliver()

	m.logger.Debug("speech_start", "session_id", m.cfg.SessionID, "pre_speech_frames", len(frames))
	m.record("speech_start", float64(len(frames)))
}

func (m *Machine) onSpeechEnd(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateSpeaking {
		m.mu.Unlock()
		return
	}
	m.transcribing = false
	m.buffer.Reset()
	text := ""
	if m.transcriber != nil {
		m.transcriber.Close()
		text = strings.TrimSpace(m.transcriber.Transcript())
		m.transcriber.Reset()
	}
	n, _ := m.transitionLocked(StateIdle, "speech end")
	cb := m.onComplete
	m.mu.Unlock()
	n.deliver()

	m.logger.Debug("speech_end", "session_id", m.cfg.SessionID, "transcript", redact.Preview(text, 0))
	m.record("speech_end", float64(len(text)))
	if text != "" && cb != nil {
		cb(text)
	}
}

func (m *Machine) onFrame(gen uint64, frame []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if m.transcribing && m.transcriber != nil {
		m.transcriber.Send(frame)
		return
	}
	m.buffer.Add(frame)
}

func (m *Machine) record(name string, value float64) {
	metrics.NewRecorder(m.obs, m.cfg.SessionID, m.clock.Now).Record(name, value)
}

// Destroy stops the detector, disconnects the transcriber and returns to Uninitialized.
func (m *Machine) Destroy() {
	m.mu.Lock()
	m.gen++
	det := m.detector
	m.detector = nil
	m.transcribing = false
	m.ready = false
	m.buffer.Reset()
	n, _ := m.transitionLocked(StateUninitialized, "destroy")
	m.mu.Unlock()

	if det != nil {
		det.Destroy()
	}
	if m.transcriber != nil {
		m.transcriber.Disconnect()
	}
	n.deliver()
}

// SetResponsePending marks that an assistant reply is outstanding.
func (m *Machine) SetResponsePending(v bool) {
	m.mu.Lock()
	m.responsePending = v
	m.mu.Unlock()
}

// Activity derives the caller-facing status.
func (m *Machine) Activity() VoiceActivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state == StateSpeaking:
		return ActivitySpeaking
	case !m.ready || m.state != StateIdle || m.responsePending:
		return ActivityLoading
	default:
		return ActivityIdle
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Buffered returns the number of frames waiting in the pre-speech buffer.
func (m *Machine) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Len()
}
