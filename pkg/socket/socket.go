package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNotOpen = errors.New("socket: not open")

// Conn is the subset of *websocket.Conn a Socket drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer dials real websocket endpoints.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is what a Socket reports to its owner.
// Closed is delivered exactly once per socket, also when the dial fails.
type Event struct {
	Socket *Socket
	Kind   EventKind
	Binary bool
	Data   []byte
	Err    error
	// Deliberate is set on Closed when Close was called locally.
	Deliberate bool
}

var nextID atomic.Uint64

// Socket owns one connection attempt. A goroutine dials, then reads until
// the connection ends, handing every event to the handler in order.
type Socket struct {
	id      uint64
	url     string
	handler func(Event)

	mu         sync.Mutex
	conn       Conn
	state      State
	deliberate bool
	cancel     context.CancelFunc

	writeMu  sync.Mutex
	detached atomic.Bool
}

// Open starts dialing url in the background and returns immediately.
func Open(ctx context.Context, d Dialer, url string, handler func(Event)) *Socket {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Socket{
		id:      nextID.Add(1),
		url:     url,
		handler: handler,
		state:   StateConnecting,
	}
	var dialCtx context.Context
	dialCtx, s.cancel = context.WithCancel(ctx)
	go s.run(dialCtx, d)
	return s
}

func (s *Socket) ID() uint64 { return s.id }

func (s *Socket) URL() string { return s.url }

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) run(ctx context.Context, d Dialer) {
	conn, err := d.Dial(ctx, s.url)
	s.mu.Lock()
	if err != nil {
		s.state = StateClosed
		deliberate := s.deliberate
		s.mu.Unlock()
		s.emit(Event{Kind: EventClosed, Err: err, Deliberate: deliberate})
		return
	}
	if s.state == StateClosing {
		s.state = StateClosed
		s.mu.Unlock()
		_ = conn.Close()
		s.emit(Event{Kind: EventClosed, Deliberate: true})
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()
	s.emit(Event{Kind: EventOpened})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.state = StateClosed
			deliberate := s.deliberate
			s.mu.Unlock()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			s.emit(Event{Kind: EventClosed, Err: err, Deliberate: deliberate})
			return
		}
		switch mt {
		case websocket.TextMessage:
			s.emit(Event{Kind: EventMessage, Data: data})
		case websocket.BinaryMessage:
			s.emit(Event{Kind: EventMessage, Binary: true, Data: data})
		}
	}
}

func (s *Socket) emit(ev Event) {
	if s.detached.Load() || s.handler == nil {
		return
	}
	ev.Socket = s
	s.handler(ev)
}

// Send writes one frame. It fails with ErrNotOpen unless the socket is open.
func (s *Socket) Send(binary bool, data []byte) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	conn := s.conn
	s.mu.Unlock()

	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(mt, data)
}

func (s *Socket) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(false, b)
}

// Detach stops event delivery. Events already being handled still complete.
func (s *Socket) Detach() {
	s.detached.Store(true)
}

// Close ends the connection or aborts the dial. The Closed event that follows
// is marked Deliberate.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.deliberate = true
	s.state = StateClosing
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}
