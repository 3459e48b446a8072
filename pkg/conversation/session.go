package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/echome/pkg/clock"
	"github.com/harunnryd/echome/pkg/echoguard"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/logging"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/playback"
	"github.com/harunnryd/echome/pkg/redact"
	"github.com/harunnryd/echome/pkg/resilience"
	"github.com/harunnryd/echome/pkg/socket"
)

const (
	DefaultReconnectDelay  = 2 * time.Second
	DefaultEchoGuardWindow = 300 * time.Millisecond
	DefaultSystemPrompt    = "You are a helpful assistant."
)

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ResubmitPolicy decides when a reopened socket resends an unanswered user turn.
type ResubmitPolicy string

const (
	// ResubmitLostResponse resends only when the previous socket closed while a reply was awaited.
	ResubmitLostResponse ResubmitPolicy = "lost_response"
	ResubmitAlways       ResubmitPolicy = "always"
	ResubmitNever        ResubmitPolicy = "never"
)

func ParseResubmitPolicy(v string) (ResubmitPolicy, error) {
	switch ResubmitPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", ResubmitLostResponse:
		return ResubmitLostResponse, nil
	case ResubmitAlways:
		return ResubmitAlways, nil
	case ResubmitNever:
		return ResubmitNever, nil
	default:
		return "", fmt.Errorf("unknown resubmit policy %q", v)
	}
}

// Character is the AI persona the session talks to.
type Character struct {
	ID     string
	Name   string
	Prompt string
}

// Overrides are per-session adjustments to the outgoing request.
type Overrides struct {
	RolePrompt     string
	InternetAccess *bool
}

type Config struct {
	BaseURL              string
	Path                 string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ResubmitPolicy       ResubmitPolicy
	HistoryLimit         int
	EchoGuardWindow      time.Duration
	Overrides            Overrides
	SessionID            string
}

// URL returns the conversation socket endpoint for a character.
func (c Config) URL(characterID string) string {
	path := c.Path
	if path == "" {
		path = "/ws/voice-conversation"
	}
	q := url.Values{}
	q.Set("characterId", characterID)
	return strings.TrimRight(c.BaseURL, "/") + path + "?" + q.Encode()
}

// Player is the playback side of a session.
type Player interface {
	Enqueue(chunk []byte) (playback.Scheduled, error)
	StopAll()
	IsPlaying() bool
	Close() error
}

// Listener receives session changes. Calls happen outside the session lock.
type Listener interface {
	OnHistory(history []ChatMessage)
	OnState(state ConnectionState)
	OnError(err error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	History func([]ChatMessage)
	State   func(ConnectionState)
	Error   func(error)
}

func (f ListenerFuncs) OnHistory(h []ChatMessage) {
	if f.History != nil {
		f.History(h)
	}
}

func (f ListenerFuncs) OnState(s ConnectionState) {
	if f.State != nil {
		f.State(s)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// ServerError is a failure the backend reported over the text channel.
type ServerError struct {
	Type    string
	Message string
}

func (e *ServerError) Error() string {
	return "conversation: server " + e.Type + ": " + e.Message
}

// Session owns the conversation socket, the message history and the
// routing of streamed audio into playback.
type Session struct {
	mu       sync.Mutex
	cfg      Config
	dialer   socket.Dialer
	player   Player
	ctx      context.Context
	clock    clock.Clock
	logger   *slog.Logger
	obs      metrics.Observer
	listener Listener
	guard    *echoguard.Guard
	breaker  *resilience.CircuitBreaker

	character *Character
	sock      *socket.Socket
	state     ConnectionState
	history   *History
	pending   []Request
	reconnect clock.Timer

	awaiting     bool
	interrupted  bool
	lostResponse bool
	// outputDown is set once a playback_unavailable failure was reported.
	outputDown bool

	turnStarted time.Time
	sawDelta    bool
	sawAudio    bool
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = logging.NewComponentLogger(l, "conversation")
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.obs = o
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithListener(l Listener) Option {
	return func(s *Session) { s.listener = l }
}

func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

func New(cfg Config, dialer socket.Dialer, player Player, opts ...Option) *Session {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.EchoGuardWindow <= 0 {
		cfg.EchoGuardWindow = DefaultEchoGuardWindow
	}
	if cfg.ResubmitPolicy == "" {
		cfg.ResubmitPolicy = ResubmitLostResponse
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if dialer == nil {
		dialer = socket.GorillaDialer{HandshakeTimeout: 10 * time.Second}
	}
	s := &Session{
		cfg:     cfg,
		dialer:  dialer,
		player:  player,
		ctx:     context.Background(),
		clock:   clock.Real{},
		logger:  logging.NewComponentLogger(slog.Default(), "conversation"),
		obs:     metrics.NoopObserver{},
		state:   StateIdle,
		history: NewHistory(cfg.HistoryLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = echoguard.New(s.clock)
	if cfg.MaxReconnectAttempts > 0 {
		s.breaker = resilience.NewCircuitBreaker(cfg.MaxReconnectAttempts, cfg.ReconnectDelay, s.clock)
	}
	return s
}

func (s *Session) ID() string { return s.cfg.SessionID }

// notice collects listener calls to make once the lock is released.
type notice struct {
	history []ChatMessage
	changed bool
	state   *ConnectionState
	err     error
}

func (n *notice) setHistory(h *History) {
	n.history = h.Snapshot()
	n.changed = true
}

func (n *notice) setState(st ConnectionState) {
	n.state = &st
}

func (s *Session) deliver(n notice) {
	if s.listener == nil {
		return
	}
	if n.state != nil {
		s.listener.OnState(*n.state)
	}
	if n.changed {
		s.listener.OnHistory(n.history)
	}
	if n.err != nil {
		s.listener.OnError(n.err)
	}
}

func (s *Session) record(name string, value float64) {
	metrics.NewRecorder(s.obs, s.cfg.SessionID, s.clock.Now).Record(name, value)
}

// Connect sets the active character and opens the socket. A different
// character starts a fresh history.
func (s *Session) Connect(ch Character) {
	s.mu.Lock()
	var n notice
	changed := s.character != nil && s.character.ID != ch.ID
	c := ch
	s.character = &c
	if changed {
		s.history.Clear()
		s.pending = nil
		s.awaiting = false
		s.lostResponse = false
		n.setHistory(s.history)
		s.retireSocketLocked()
	}
	s.cancelReconnectLocked()
	if s.breaker != nil {
		s.breaker.OnSuccess()
	}
	if s.sock == nil {
		s.openLocked(&n)
	}
	s.mu.Unlock()
	s.deliver(n)
}

// openLocked dials a new socket for the active character. The caller makes
// sure no other socket is live.
func (s *Session) openLocked(n *notice) {
	if s.character == nil {
		s.logger.Warn("conversation_no_character", "session_id", s.cfg.SessionID)
		return
	}
	s.retireSocketLocked()
	s.state = StateConnecting
	n.setState(StateConnecting)
	s.sock = socket.Open(s.ctx, s.dialer, s.cfg.URL(s.character.ID), s.handle)
	s.logger.Info("conversation_connecting",
		"session_id", s.cfg.SessionID,
		"character_id", s.character.ID,
		"socket_id", s.sock.ID())
}

// retireSocketLocked closes the current socket without firing its handlers.
func (s *Session) retireSocketLocked() {
	if s.sock == nil {
		return
	}
	sock := s.sock
	s.sock = nil
	sock.Detach()
	_ = sock.Close()
}

func (s *Session) cancelReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Session) scheduleReconnectLocked() {
	s.cancelReconnectLocked()
	var timer clock.Timer
	timer = s.clock.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		if s.reconnect != timer || s.character == nil || s.sock != nil {
			s.mu.Unlock()
			return
		}
		s.reconnect = nil
		var n notice
		s.openLocked(&n)
		s.mu.Unlock()
		s.deliver(n)
	})
	s.reconnect = timer
	s.record("conversation_reconnect_scheduled", float64(s.cfg.ReconnectDelay.Milliseconds()))
}

// Start sends req now when connected. Otherwise it is queued for the next
// open, and a dial starts unless one is already underway. Without a
// character there is nothing to dial, so req is dropped and reported.
func (s *Session) Start(req Request) {
	s.mu.Lock()
	var n notice
	s.interrupted = false
	if s.state == StateConnected && s.sock != nil {
		if err := s.sendLocked(req); err == nil {
			s.mu.Unlock()
			s.deliver(n)
			return
		}
	}
	if s.character == nil {
		s.logger.Warn("conversation_start_without_character",
			"session_id", s.cfg.SessionID,
			"reason_code", errorsx.ReasonConversationConnect)
		n.err = errorsx.Newf(errorsx.ReasonConversationConnect, "conversation: no character connected")
		s.mu.Unlock()
		s.deliver(n)
		return
	}
	s.pending = append(s.pending, req)
	if s.state != StateConnecting {
		s.cancelReconnectLocked()
		if s.breaker != nil {
			s.breaker.OnSuccess()
		}
		s.openLocked(&n)
	}
	s.mu.Unlock()
	s.deliver(n)
}

func (s *Session) sendLocked(req Request) error {
	if s.sock == nil {
		return socket.ErrNotOpen
	}
	if err := s.sock.SendJSON(req); err != nil {
		s.logger.Warn("conversation_send_error",
			"session_id", s.cfg.SessionID,
			"error", err,
			"reason_code", errorsx.ReasonConversationSend)
		return errorsx.Wrap(err, errorsx.ReasonConversationSend)
	}
	s.awaiting = true
	s.turnStarted = s.clock.Now()
	s.sawDelta = false
	s.sawAudio = false
	s.logger.Debug("conversation_request_sent",
		"session_id", s.cfg.SessionID,
		"messages", len(req.Messages))
	return nil
}

// Submit starts a turn with the current history.
func (s *Session) Submit() {
	s.Start(s.BuildRequest())
}

// BuildRequest assembles the outgoing frame: system prompt first, then history.
func (s *Session) BuildRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildRequestLocked()
}

func (s *Session) buildRequestLocked() Request {
	prompt := s.cfg.Overrides.RolePrompt
	if prompt == "" && s.character != nil {
		prompt = s.character.Prompt
	}
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	msgs := make([]ChatMessage, 0, s.history.Len()+1)
	msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: Text(prompt)})
	msgs = append(msgs, s.history.Snapshot()...)
	req := Request{Messages: msgs, Stream: true}
	if ia := s.cfg.Overrides.InternetAccess; ia != nil {
		v := *ia
		req.EnableSearch = &v
	}
	return req
}

func (s *Session) SetOverrides(o Overrides) {
	s.mu.Lock()
	s.cfg.Overrides = o
	s.mu.Unlock()
}

func (s *Session) handle(ev socket.Event) {
	s.mu.Lock()
	if ev.Socket != s.sock {
		s.mu.Unlock()
		return
	}
	var n notice
	switch ev.Kind {
	case socket.EventOpened:
		s.onOpenedLocked(&n)
	case socket.EventMessage:
		if ev.Binary {
			s.onAudioLocked(ev.Data, &n)
		} else {
			s.onTextLocked(ev.Data, &n)
		}
	case socket.EventClosed:
		s.onClosedLocked(ev, &n)
	}
	s.mu.Unlock()
	s.deliver(n)
}

func (s *Session) onOpenedLocked(n *notice) {
	s.state = StateConnected
	n.setState(StateConnected)
	if s.breaker != nil {
		s.breaker.OnSuccess()
	}
	resubmit := s.shouldResubmitLocked()
	s.lostResponse = false
	if resubmit {
		if err := s.sendLocked(s.buildRequestLocked()); err == nil {
			s.logger.Info("conversation_resubmit", "session_id", s.cfg.SessionID)
			s.record("conversation_resubmit", 1)
		}
	}
	queued := s.pending
	s.pending = nil
	for _, req := range queued {
		_ = s.sendLocked(req)
	}
	s.logger.Info("conversation_connected",
		"session_id", s.cfg.SessionID,
		"queued", len(queued),
		"resubmit", resubmit)
	s.record("conversation_connect", float64(len(queued)))
}

func (s *Session) shouldResubmitLocked() bool {
	if s.interrupted || !s.history.PendingUserTurn() || len(s.pending) > 0 {
		return false
	}
	switch s.cfg.ResubmitPolicy {
	case ResubmitAlways:
		return true
	case ResubmitNever:
		return false
	default:
		return s.lostResponse
	}
}

func (s *Session) onClosedLocked(ev socket.Event, n *notice) {
	s.sock = nil
	s.state = StateDisconnected
	n.setState(StateDisconnected)
	if s.awaiting {
		s.lostResponse = true
	}
	s.awaiting = false
	if ev.Deliberate {
		return
	}
	s.logger.Warn("conversation_socket_closed",
		"session_id", s.cfg.SessionID,
		"error", ev.Err,
		"reason_code", errorsx.ReasonConversationConnect)
	if s.character == nil {
		return
	}
	if s.breaker != nil && s.breaker.OnFailure() {
		err := fmt.Errorf("conversation: gave up after %d reconnect attempts", s.cfg.MaxReconnectAttempts)
		n.err = errorsx.Wrap(err, errorsx.ReasonConversationReconnectExhaust)
		s.logger.Error("conversation_reconnect_exhausted",
			"session_id", s.cfg.SessionID,
			"attempts", s.cfg.MaxReconnectAttempts,
			"reason_code", errorsx.ReasonConversationReconnectExhaust)
		return
	}
	s.scheduleReconnectLocked()
}

func (s *Session) onTextLocked(data []byte, n *notice) {
	msg, err := ParseServerMessage(data)
	if err != nil {
		s.logger.Warn("conversation_message_dropped",
			"session_id", s.cfg.SessionID,
			"error", err,
			"reason_code", errorsx.Reason(err))
		return
	}
	if s.interrupted {
		s.logger.Debug("conversation_message_dropped",
			"session_id", s.cfg.SessionID,
			"type", msg.messageType(),
			"interrupted", true)
		return
	}
	switch m := msg.(type) {
	case ConnectionEstablished, StreamStart:
		s.logger.Debug("conversation_"+m.messageType(), "session_id", s.cfg.SessionID)
	case StreamChunk:
		if m.Content == "" {
			return
		}
		s.history.AppendDelta(m.Content)
		n.setHistory(s.history)
		if !s.sawDelta && !s.turnStarted.IsZero() {
			s.sawDelta = true
			s.record("response_first_delta", float64(s.clock.Now().Sub(s.turnStarted).Milliseconds()))
		}
	case StreamEnd:
		s.awaiting = false
		if !s.turnStarted.IsZero() {
			s.record("response_complete", float64(s.clock.Now().Sub(s.turnStarted).Milliseconds()))
		}
		if m.Response != "" {
			s.history.SetResponse(m.Response)
		}
		n.setHistory(s.history)
	case TextResponse:
		s.awaiting = false
		if m.Response == "" {
			return
		}
		s.history.SetResponse(m.Response)
		n.setHistory(s.history)
		s.logger.Debug("conversation_text_response",
			"session_id", s.cfg.SessionID,
			"response", redact.Preview(m.Response, 0))
	case ErrorMessage:
		s.awaiting = false
		s.history.Push(ChatMessage{Role: RoleAssistant, Content: Text("Error: " + m.Message)})
		n.setHistory(s.history)
		n.err = &ServerError{Type: m.messageType(), Message: m.Message}
		s.logger.Warn("conversation_server_error",
			"session_id", s.cfg.SessionID,
			"message", m.Message)
	case SynthesisError:
		n.err = &ServerError{Type: m.messageType(), Message: m.Message}
		s.logger.Warn("conversation_tts_error",
			"session_id", s.cfg.SessionID,
			"message", m.Message)
	case Unrecognized:
		s.logger.Warn("conversation_message_dropped",
			"session_id", s.cfg.SessionID,
			"type", m.Type,
			"reason_code", errorsx.ReasonProtocol)
	}
}

func (s *Session) onAudioLocked(chunk []byte, n *notice) {
	if s.interrupted || s.player == nil {
		return
	}
	wasPlaying := s.player.IsPlaying()
	sched, err := s.player.Enqueue(chunk)
	if err != nil {
		s.logger.Warn("playback_chunk_dropped",
			"session_id", s.cfg.SessionID,
			"bytes", len(chunk),
			"error", err,
			"reason_code", errorsx.Reason(err))
		s.record("playback_chunk_dropped", float64(len(chunk)))
		if errorsx.HasReason(err, errorsx.ReasonPlaybackUnavailable) && !s.outputDown {
			s.outputDown = true
			n.err = err
		}
		return
	}
	s.outputDown = false
	if !wasPlaying {
		s.guard.Arm(s.cfg.EchoGuardWindow)
	}
	if !s.sawAudio && !s.turnStarted.IsZero() {
		s.sawAudio = true
		s.record("response_first_audio", float64(s.clock.Now().Sub(s.turnStarted).Milliseconds()))
	}
	s.logger.Debug("playback_chunk_scheduled",
		"session_id", s.cfg.SessionID,
		"start_ms", sched.StartAt.Milliseconds(),
		"duration_ms", sched.Duration.Milliseconds())
}

// IsEchoGuardActive reports whether our own audio just started playing.
func (s *Session) IsEchoGuardActive() bool {
	return s.guard.IsActive()
}

// Interrupt stops playback, voids the current turn and reopens the socket
// in the background. Repeated calls only stop playback.
func (s *Session) Interrupt() {
	s.mu.Lock()
	var n notice
	already := s.interrupted
	if !already {
		s.interrupted = true
		s.awaiting = false
		s.pending = nil
		s.lostResponse = false
		s.cancelReconnectLocked()
		s.retireSocketLocked()
		if s.character != nil {
			s.openLocked(&n)
		} else if s.state != StateIdle {
			s.state = StateDisconnected
			n.setState(StateDisconnected)
		}
	}
	player := s.player
	s.mu.Unlock()

	if player != nil {
		player.StopAll()
	}
	if !already {
		s.logger.Info("barge_in", "session_id", s.cfg.SessionID)
		s.record("barge_in", 0)
	}
	s.deliver(n)
}

// Disconnect forgets the character, closes the socket and releases playback.
func (s *Session) Disconnect() {
	s.mu.Lock()
	var n notice
	s.character = nil
	s.cancelReconnectLocked()
	s.retireSocketLocked()
	s.pending = nil
	s.awaiting = false
	s.interrupted = false
	s.lostResponse = false
	s.outputDown = false
	if s.history.Len() > 0 {
		s.history.Clear()
		n.setHistory(s.history)
	}
	if s.state != StateIdle {
		s.state = StateDisconnected
		n.setState(StateDisconnected)
	}
	player := s.player
	s.mu.Unlock()

	s.guard.Reset()
	if player != nil {
		if err := player.Close(); err != nil {
			s.logger.Warn("playback_close_error", "session_id", s.cfg.SessionID, "error", err)
		}
	}
	s.deliver(n)
}

// PushUserMessage appends a user turn without sending it.
func (s *Session) PushUserMessage(content Content) {
	s.mu.Lock()
	s.history.Push(ChatMessage{Role: RoleUser, Content: content})
	var n notice
	n.setHistory(s.history)
	s.mu.Unlock()
	s.deliver(n)
}

// Delete removes the user turn at i and everything after it.
func (s *Session) Delete(i int) bool {
	return s.mutate(func(h *History) bool { return h.Delete(i) })
}

// Edit replaces the user turn at i, dropping later turns when truncate is set.
func (s *Session) Edit(i int, content Content, truncate bool) bool {
	return s.mutate(func(h *History) bool { return h.Edit(i, content, truncate) })
}

func (s *Session) ClearHistory() {
	s.mutate(func(h *History) bool {
		h.Clear()
		return true
	})
}

func (s *Session) mutate(fn func(*History) bool) bool {
	s.mu.Lock()
	ok := fn(s.history)
	var n notice
	if ok {
		n.setHistory(s.history)
	}
	s.mu.Unlock()
	s.deliver(n)
	return ok
}

// RetryLastAssistant drops the last reply and asks for a new one.
func (s *Session) RetryLastAssistant() bool {
	if !s.mutate(func(h *History) bool { return h.CutLastAssistant() }) {
		return false
	}
	if s.player != nil {
		s.player.StopAll()
	}
	s.Submit()
	return true
}

func (s *Session) History() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Snapshot()
}

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// AwaitingResponse reports whether a sent turn has not been answered yet.
func (s *Session) AwaitingResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiting
}

// Busy reports whether a turn is queued or awaiting its reply.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiting || len(s.pending) > 0
}

func (s *Session) Character() (Character, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.character == nil {
		return Character{}, false
	}
	return *s.character, true
}
