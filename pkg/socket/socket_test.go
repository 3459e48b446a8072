package socket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(buf int) (chan Event, func(Event)) {
	ch := make(chan Event, buf)
	return ch, func(ev Event) { ch <- ev }
}

func next(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for socket event")
	}
	return Event{}
}

func TestSocketOpensEchoesAndClosesDeliberately(t *testing.T) {
	srv := echoServer(t)
	ch, handler := collect(8)
	s := Open(context.Background(), GorillaDialer{HandshakeTimeout: time.Second}, wsURL(srv), handler)

	if ev := next(t, ch); ev.Kind != EventOpened || ev.Socket != s {
		t.Fatalf("expected opened from this socket, got %s", ev.Kind)
	}
	if err := s.Send(true, []byte{1, 2}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := next(t, ch)
	if ev.Kind != EventMessage || !ev.Binary || len(ev.Data) != 2 {
		t.Fatalf("expected binary echo, got %+v", ev)
	}
	if err := s.SendJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("send json: %v", err)
	}
	if ev := next(t, ch); ev.Binary || !strings.Contains(string(ev.Data), "ping") {
		t.Fatalf("expected text echo, got %+v", ev)
	}

	_ = s.Close()
	ev = next(t, ch)
	if ev.Kind != EventClosed || !ev.Deliberate {
		t.Fatalf("expected deliberate close, got %+v", ev)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", s.State())
	}
	if err := s.Send(false, []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after close, got %v", err)
	}
}

func TestSocketDialFailureEmitsClosed(t *testing.T) {
	ch, handler := collect(2)
	Open(context.Background(), GorillaDialer{HandshakeTimeout: 200 * time.Millisecond}, "ws://127.0.0.1:1/none", handler)
	ev := next(t, ch)
	if ev.Kind != EventClosed || ev.Err == nil || ev.Deliberate {
		t.Fatalf("expected non-deliberate closed with error, got %+v", ev)
	}
}

func TestSocketDetachSilencesEvents(t *testing.T) {
	srv := echoServer(t)
	ch, handler := collect(8)
	s := Open(context.Background(), GorillaDialer{}, wsURL(srv), handler)
	next(t, ch)
	s.Detach()
	_ = s.Close()
	select {
	case ev := <-ch:
		t.Fatalf("expected no events after detach, got %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}
