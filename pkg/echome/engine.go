package echome

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/echome/pkg/adapters/stt"
	"github.com/harunnryd/echome/pkg/capture"
	"github.com/harunnryd/echome/pkg/clock"
	"github.com/harunnryd/echome/pkg/conversation"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/logging"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/playback"
	"github.com/harunnryd/echome/pkg/redact"
	"github.com/harunnryd/echome/pkg/socket"
)

// FrameSource produces microphone frames at the capture sample rate.
type FrameSource interface {
	Frames() <-chan []float32
	Close() error
}

type Options struct {
	Registry *ProviderRegistry
	Dialer   socket.Dialer
	Source   FrameSource

	// Output is required for playback.output=device. Virtual output falls
	// back to a clock-driven timeline.
	Output playback.OutputFactory

	Clock    clock.Clock
	Logger   *slog.Logger
	Observer metrics.Observer
	Listener conversation.Listener

	// OnUtterance sees each finished transcript before it is sent.
	OnUtterance func(text string)
	// OnActivity sees capture state changes.
	OnActivity func(capture.StateChange)
}

// Engine runs one voice conversation end to end.
type Engine struct {
	cfg       Config
	sessionID string
	logger    *slog.Logger
	obs       metrics.Observer
	opts      Options

	source      FrameSource
	player      *playback.Scheduler
	conv        *conversation.Session
	transcriber stt.Transcriber
	capture     *capture.Machine

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("echome: frame source is required")
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	output := opts.Output
	if output == nil {
		if !strings.EqualFold(cfg.Playback.Output, "virtual") {
			return nil, errorsx.Newf(errorsx.ReasonPlaybackUnavailable, "echome: no output device for playback.output=%s", cfg.Playback.Output)
		}
		output = playback.VirtualFactory(opts.Clock)
	}

	e := &Engine{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		opts:      opts,
		source:    opts.Source,
	}
	e.logger = logging.NewComponentLogger(opts.Logger, "engine").With("session_id", e.sessionID)
	e.obs = opts.Observer
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.player = playback.NewScheduler(playback.Config{
		SampleRate:   cfg.Playback.SampleRate,
		IdleDebounce: time.Duration(cfg.Playback.IdleDebounceMS) * time.Millisecond,
		Gain:         cfg.Playback.Gain,
		SessionID:    e.sessionID,
	}, output,
		playback.WithClock(opts.Clock),
		playback.WithLogger(opts.Logger),
		playback.WithObserver(opts.Observer),
		playback.WithIdleCallback(e.onPlaybackIdle),
	)

	e.conv = conversation.New(cfg.SessionConfig(e.sessionID), opts.Dialer, e.player,
		conversation.WithContext(ctx),
		conversation.WithClock(opts.Clock),
		conversation.WithLogger(opts.Logger),
		conversation.WithObserver(opts.Observer),
		conversation.WithListener(e.listener()),
	)

	deps := Deps{
		SessionID: e.sessionID,
		Context:   ctx,
		Logger:    opts.Logger,
		Observer:  opts.Observer,
		Dialer:    opts.Dialer,
		Frames:    opts.Source.Frames(),
	}
	transcriber, err := opts.Registry.BuildTranscriber(cfg, deps)
	if err != nil {
		cancel()
		return nil, err
	}
	e.transcriber = transcriber
	detector, err := opts.Registry.BuildVAD(cfg, deps)
	if err != nil {
		cancel()
		return nil, err
	}

	e.capture = capture.New(capture.Config{
		PreSpeechFrames: cfg.Capture.PreSpeechFrames,
		SessionID:       e.sessionID,
	}, detector, transcriber, e.conv,
		capture.WithLogger(opts.Logger),
		capture.WithObserver(opts.Observer),
		capture.WithClock(opts.Clock),
	)
	if opts.OnActivity != nil {
		e.capture.AddListener(capture.StateListenerFunc(opts.OnActivity))
	}
	return e, nil
}

func (e *Engine) SessionID() string                  { return e.sessionID }
func (e *Engine) Conversation() *conversation.Session { return e.conv }
func (e *Engine) Capture() *capture.Machine           { return e.capture }
func (e *Engine) Player() *playback.Scheduler         { return e.player }

// Start opens the audio output, connects to the configured character and
// begins listening. An output that cannot be opened fails Start with
// reason playback_unavailable.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.player.Resume(); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}
	e.conv.Connect(e.cfg.CharacterInfo())
	if err := e.capture.Init(e.onUtterance); err != nil {
		return err
	}
	e.logger.Info("engine_started",
		"character_id", e.cfg.Character.ID,
		"transcriber", e.transcriber.Name())
	return nil
}

// Say sends a typed user turn, with optional image attachments.
func (e *Engine) Say(text string, imageURLs ...string) {
	text = strings.TrimSpace(text)
	if text == "" && len(imageURLs) == 0 {
		return
	}
	e.submit(conversation.UserContent(text, imageURLs...))
}

func (e *Engine) onUtterance(text string) {
	e.logger.Info("utterance_complete", "transcript", redact.Preview(text, redact.DefaultPreviewRunes))
	if e.opts.OnUtterance != nil {
		e.opts.OnUtterance(text)
	}
	e.submit(conversation.Text(text))
}

func (e *Engine) submit(content conversation.Content) {
	e.conv.PushUserMessage(content)
	e.conv.Submit()
	e.syncPending()
}

func (e *Engine) onPlaybackIdle() {
	e.logger.Debug("playback_idle")
}

// listener keeps capture's pending flag in step with the conversation and
// forwards everything to the caller's listener.
func (e *Engine) listener() conversation.Listener {
	var next conversation.Listener = conversation.ListenerFuncs{}
	if e.opts.Listener != nil {
		next = e.opts.Listener
	}
	return conversation.ListenerFuncs{
		History: func(h []conversation.ChatMessage) {
			e.syncPending()
			next.OnHistory(h)
		},
		State: func(s conversation.ConnectionState) {
			e.syncPending()
			next.OnState(s)
		},
		Error: func(err error) {
			e.syncPending()
			next.OnError(err)
		},
	}
}

func (e *Engine) syncPending() {
	if e.capture == nil {
		return
	}
	e.capture.SetResponsePending(e.conv.Busy())
}

// Drain stops listening, disconnects both sockets and releases audio.
func (e *Engine) Drain() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.capture.Destroy()
	e.conv.Disconnect()
	e.cancel()
	err := e.source.Close()
	e.logger.Info("engine_stopped")
	return err
}
