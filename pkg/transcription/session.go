package transcription

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/echome/pkg/adapters/stt"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/logging"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/pcm"
	"github.com/harunnryd/echome/pkg/redact"
	"github.com/harunnryd/echome/pkg/socket"
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	BaseURL    string
	Path       string
	SampleRate int
	SessionID  string
}

// URL returns the ASR socket endpoint.
func (c Config) URL() string {
	path := c.Path
	if path == "" {
		path = "/ws/asr"
	}
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(c.SampleRate))
	q.Set("format", "pcm")
	return strings.TrimRight(c.BaseURL, "/") + path + "?" + q.Encode()
}

// Update is reported to the transcript listener after each result.
type Update struct {
	Transcript string
	Committed  string
	Final      bool
}

// Session streams audio frames to the ASR socket and assembles the transcript.
type Session struct {
	mu       sync.Mutex
	cfg      Config
	dialer   socket.Dialer
	ctx      context.Context
	logger   *slog.Logger
	obs      metrics.Observer
	onUpdate func(Update)

	sock  *socket.Socket
	state ConnectionState
	queue [][]byte

	committed string
	partial   string
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = logging.NewComponentLogger(l, "transcription")
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

// WithUpdateListener registers fn for transcript changes. It runs outside the session lock.
func WithUpdateListener(fn func(Update)) Option {
	return func(s *Session) { s.onUpdate = fn }
}

func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

func New(cfg Config, dialer socket.Dialer, opts ...Option) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if dialer == nil {
		dialer = socket.GorillaDialer{HandshakeTimeout: 10 * time.Second}
	}
	s := &Session{
		cfg:    cfg,
		dialer: dialer,
		ctx:    context.Background(),
		logger: logging.NewComponentLogger(slog.Default(), "transcription"),
		obs:    metrics.NoopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Name() string { return "socket_asr" }

// Send encodes one frame and writes it, dialing first when no usable socket exists.
func (s *Session) Send(frame []float32) {
	data := pcm.Encode(frame)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sock == nil || s.sock.State() >= socket.StateClosing {
		s.openLocked()
		s.queue = append(s.queue, data)
		return
	}
	if s.state == StateConnecting {
		s.queue = append(s.queue, data)
		return
	}
	if err := s.sock.Send(true, data); err != nil {
		s.logger.Warn("asr_send_error",
			"session_id", s.cfg.SessionID,
			"error", err,
			"reason_code", errorsx.ReasonASRSend)
	}
}

func (s *Session) openLocked() {
	s.queue = nil
	s.state = StateConnecting
	s.sock = socket.Open(s.ctx, s.dialer, s.cfg.URL(), s.handle)
	s.logger.Debug("asr_connecting", "session_id", s.cfg.SessionID, "socket_id", s.sock.ID())
}

func (s *Session) handle(ev socket.Event) {
	s.mu.Lock()
	if ev.Socket != s.sock {
		s.mu.Unlock()
		return
	}
	var update *Update
	switch ev.Kind {
	case socket.EventOpened:
		s.state = StateConnected
		flushed := len(s.queue)
		for _, data := range s.queue {
			if err := s.sock.Send(true, data); err != nil {
				s.logger.Warn("asr_flush_error",
					"session_id", s.cfg.SessionID,
					"error", err,
					"reason_code", errorsx.ReasonASRSend)
				break
			}
		}
		s.queue = nil
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "asr_connect",
			Time:  time.Now(),
			Value: float64(flushed),
			Tags:  map[string]string{"session_id": s.cfg.SessionID},
		})
	case socket.EventMessage:
		if ev.Binary {
			break
		}
		update = s.applyLocked(ev.Data)
	case socket.EventClosed:
		s.state = StateDisconnected
		s.sock = nil
		s.queue = nil
		if ev.Err != nil && !ev.Deliberate {
			s.logger.Warn("asr_socket_closed",
				"session_id", s.cfg.SessionID,
				"error", ev.Err,
				"reason_code", errorsx.ReasonASRConnect)
		}
	}
	cb := s.onUpdate
	s.mu.Unlock()
	if update != nil && cb != nil {
		cb(*update)
	}
}

func (s *Session) applyLocked(data []byte) *Update {
	ev, err := ParseEvent(data)
	if err != nil {
		s.logger.Warn("asr_event_dropped",
			"session_id", s.cfg.SessionID,
			"error", err,
			"reason_code", errorsx.Reason(err))
		return nil
	}
	switch e := ev.(type) {
	case Result:
		s.partial += e.Text
		if e.SentenceEnd && s.partial != "" {
			s.committed += s.partial + " "
			s.partial = ""
		}
		transcript := s.committed + s.partial
		s.logger.Debug("asr_result",
			"session_id", s.cfg.SessionID,
			"transcript", redact.Preview(transcript, 0),
			"sentence_end", e.SentenceEnd)
		return &Update{Transcript: transcript, Committed: s.committed, Final: e.SentenceEnd}
	case Finished:
		s.logger.Debug("asr_finished", "session_id", s.cfg.SessionID)
	case Failure:
		s.logger.Warn("asr_server_error",
			"session_id", s.cfg.SessionID,
			"error_code", e.Code,
			"error_message", e.Message)
	case Unrecognized:
		s.logger.Warn("asr_event_dropped",
			"session_id", s.cfg.SessionID,
			"type", e.Type,
			"reason_code", errorsx.ReasonProtocol)
	}
	return nil
}

// Close ends the current segment's socket. Late results from it are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	sock := s.sock
	s.sock = nil
	s.state = StateDisconnected
	s.queue = nil
	s.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
}

// Disconnect detaches handlers, closes the socket and clears all state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	sock := s.sock
	s.sock = nil
	s.state = StateDisconnected
	s.queue = nil
	s.committed = ""
	s.partial = ""
	s.mu.Unlock()
	if sock != nil {
		sock.Detach()
		_ = sock.Close()
	}
}

// Transcript returns the committed prefix plus the open sentence.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed + s.partial
}

func (s *Session) Committed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.committed = ""
	s.partial = ""
	s.mu.Unlock()
}

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

var _ stt.Transcriber = (*Session)(nil)
