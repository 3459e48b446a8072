// Package mock provides an in-memory socket.Dialer for tests and offline runs.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/echome/pkg/socket"
)

var ErrClosed = errors.New("mock: connection closed")

// Written is one frame written by the client.
type Written struct {
	Type int
	Data []byte
}

type inbound struct {
	mt   int
	data []byte
}

// Conn is a fake server-side peer. Tests push frames with the Push helpers.
type Conn struct {
	URL string

	mu       sync.Mutex
	in       chan inbound
	closed   chan struct{}
	once     sync.Once
	closeErr error
	written  []Written
}

func NewConn(url string) *Conn {
	return &Conn{URL: url, in: make(chan inbound, 256), closed: make(chan struct{})}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.mt, m.data, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return 0, nil, err
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if messageType == websocket.CloseMessage {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, Written{Type: messageType, Data: cp})
	return nil
}

func (c *Conn) Close() error {
	c.shutdown(&websocket.CloseError{Code: websocket.CloseNormalClosure})
	return nil
}

// Drop simulates the server going away without a close handshake.
func (c *Conn) Drop() {
	c.shutdown(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "connection lost"})
}

func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) PushText(s string) {
	c.in <- inbound{mt: websocket.TextMessage, data: []byte(s)}
}

func (c *Conn) PushJSON(v any) {
	b, _ := json.Marshal(v)
	c.in <- inbound{mt: websocket.TextMessage, data: b}
}

func (c *Conn) PushBinary(b []byte) {
	c.in <- inbound{mt: websocket.BinaryMessage, data: b}
}

// Written returns every data frame the client wrote, in order.
func (c *Conn) Written() []Written {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Written, len(c.written))
	copy(out, c.written)
	return out
}

// Texts returns the text frames the client wrote.
func (c *Conn) Texts() []string {
	var out []string
	for _, w := range c.Written() {
		if w.Type == websocket.TextMessage {
			out = append(out, string(w.Data))
		}
	}
	return out
}

// Binaries returns the binary frames the client wrote.
func (c *Conn) Binaries() [][]byte {
	var out [][]byte
	for _, w := range c.Written() {
		if w.Type == websocket.BinaryMessage {
			out = append(out, w.Data)
		}
	}
	return out
}

// Dialer hands out Conns. Dials can be held open or made to fail.
type Dialer struct {
	mu       sync.Mutex
	urls     []string
	conns    []*Conn
	failures []error
	gate     chan struct{}
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(ctx context.Context, url string) (socket.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	var failErr error
	if len(d.failures) > 0 {
		failErr = d.failures[0]
		d.failures = d.failures[1:]
	}
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	c := NewConn(url)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Hold makes subsequent dials block until Release.
func (d *Dialer) Hold() {
	d.mu.Lock()
	if d.gate == nil {
		d.gate = make(chan struct{})
	}
	d.mu.Unlock()
}

func (d *Dialer) Release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

// FailNext makes the next dial return err.
func (d *Dialer) FailNext(err error) {
	d.mu.Lock()
	d.failures = append(d.failures, err)
	d.mu.Unlock()
}

// Dials returns how many dial attempts were made.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.urls))
	copy(out, d.urls)
	return out
}

// Conns returns every successfully dialed Conn.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recent Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// WaitConns blocks until n Conns were dialed or the timeout passes.
func (d *Dialer) WaitConns(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(d.Conns()) >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return len(d.Conns()) >= n
}
