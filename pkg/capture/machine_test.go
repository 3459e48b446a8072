package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/echome/pkg/clock"
	"github.com/harunnryd/echome/pkg/echoguard"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/vad"
)

type fakeTranscriber struct {
	mu           sync.Mutex
	sends        [][]float32
	transcript   string
	closes       int
	resets       int
	disconnected bool
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Send(frame []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]float32, len(frame))
	copy(cp, frame)
	f.sends = append(f.sends, cp)
}

func (f *fakeTranscriber) Close() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}

func (f *fakeTranscriber) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeTranscriber) Transcript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript
}

func (f *fakeTranscriber) Reset() {
	f.mu.Lock()
	f.transcript = ""
	f.resets++
	f.mu.Unlock()
}

func (f *fakeTranscriber) setTranscript(s string) {
	f.mu.Lock()
	f.transcript = s
	f.mu.Unlock()
}

// fakeDetector lets tests drive callbacks directly.
type fakeDetector struct {
	cb        vad.Callbacks
	startErr  error
	ready     bool
	destroyed bool
}

func (d *fakeDetector) Start() error {
	if d.startErr != nil {
		return d.startErr
	}
	if d.ready && d.cb.OnReady != nil {
		d.cb.OnReady()
	}
	return nil
}

func (d *fakeDetector) Destroy() { d.destroyed = true }

type fakeControl struct {
	guard      *echoguard.Guard
	interrupts int
}

func (c *fakeControl) IsEchoGuardActive() bool { return c.guard.IsActive() }
func (c *fakeControl) Interrupt()              { c.interrupts++ }

type harness struct {
	m     *Machine
	det   *fakeDetector
	tr    *fakeTranscriber
	ctl   *fakeControl
	clk   *clock.Manual
	obs   *metrics.MemoryObserver
	texts []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		det: &fakeDetector{ready: true},
		tr:  &fakeTranscriber{},
		clk: clock.NewManual(time.Unix(0, 0)),
		obs: metrics.NewMemoryObserver(),
	}
	h.ctl = &fakeControl{guard: echoguard.New(h.clk)}
	factory := func(cb vad.Callbacks) (vad.Detector, error) {
		h.det.cb = cb
		return h.det, nil
	}
	h.m = New(Config{PreSpeechFrames: 3, SessionID: "s1"}, factory, h.tr, h.ctl, WithObserver(h.obs), WithClock(h.clk))
	if err := h.m.Init(func(text string) { h.texts = append(h.texts, text) }); err != nil {
		t.Fatalf("init: %v", err)
	}
	return h
}

func (h *harness) frame(v float32) { h.det.cb.OnFrameProcessed([]float32{v, v}) }

func (h *harness) metric(name string) int {
	n := 0
	for _, ev := range h.obs.Events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func TestInitReachesIdleReady(t *testing.T) {
	h := newHarness(t)
	if h.m.State() != StateIdle || !h.m.Ready() {
		t.Fatalf("expected ready IDLE, got %s ready=%v", h.m.State(), h.m.Ready())
	}
	if h.m.Activity() != ActivityIdle {
		t.Fatalf("expected idle activity, got %s", h.m.Activity())
	}
	h.m.SetResponsePending(true)
	if h.m.Activity() != ActivityLoading {
		t.Fatalf("expected loading while a response is pending")
	}
}

func TestPreSpeechFramesFlushAsOneSend(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 5; i++ {
		h.frame(float32(i) / 10)
	}
	if h.m.Buffered() != 3 {
		t.Fatalf("expected ring capped at 3, got %d", h.m.Buffered())
	}

	h.det.cb.OnSpeechStart()
	if h.m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", h.m.State())
	}
	if h.ctl.interrupts != 1 {
		t.Fatalf("expected one interrupt, got %d", h.ctl.interrupts)
	}
	if len(h.tr.sends) != 1 {
		t.Fatalf("expected one contiguous send, got %d", len(h.tr.sends))
	}
	want := []float32{0.3, 0.3, 0.4, 0.4, 0.5, 0.5}
	got := h.tr.sends[0]
	if len(got) != len(want) {
		t.Fatalf("unexpected flush %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	h.frame(0.6)
	if len(h.tr.sends) != 2 || h.m.Buffered() != 0 {
		t.Fatalf("expected live frame forwarded, sends=%d buffered=%d", len(h.tr.sends), h.m.Buffered())
	}
	if h.m.Activity() != ActivitySpeaking {
		t.Fatalf("expected speaking activity")
	}
}

func TestSpeechEndDeliversTranscript(t *testing.T) {
	h := newHarness(t)
	h.det.cb.OnSpeechStart()
	h.tr.setTranscript("Hello  world ")
	h.det.cb.OnSpeechEnd()

	if h.m.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", h.m.State())
	}
	if len(h.texts) != 1 || h.texts[0] != "Hello  world" {
		t.Fatalf("unexpected completions %v", h.texts)
	}
	if h.tr.closes != 1 {
		t.Fatalf("expected transcriber closed once, got %d", h.tr.closes)
	}
	if h.tr.Transcript() != "" {
		t.Fatalf("expected transcript reset")
	}

	h.frame(0.2)
	if len(h.tr.sends) != 0 || h.m.Buffered() != 1 {
		t.Fatalf("expected frames buffered again after speech end")
	}
}

func TestEmptyTranscriptSkipsCompletion(t *testing.T) {
	h := newHarness(t)
	h.det.cb.OnSpeechStart()
	h.det.cb.OnSpeechEnd()
	if len(h.texts) != 0 {
		t.Fatalf("expected no completion, got %v", h.texts)
	}
	if h.metric("speech_end") != 1 {
		t.Fatalf("expected speech_end metric")
	}
}

func TestEchoGuardSuppressesSpeechStart(t *testing.T) {
	h := newHarness(t)
	h.ctl.guard.Arm(200 * time.Millisecond)
	h.frame(0.1)

	h.det.cb.OnSpeechStart()
	if h.m.State() != StateIdle {
		t.Fatalf("expected suppression inside the window, got %s", h.m.State())
	}
	if h.ctl.interrupts != 0 || len(h.tr.sends) != 0 {
		t.Fatalf("suppressed start must not interrupt or send")
	}
	if h.metric("echo_suppressed") != 1 {
		t.Fatalf("expected echo_suppressed metric")
	}

	h.clk.Advance(199 * time.Millisecond)
	h.det.cb.OnSpeechStart()
	if h.m.State() != StateIdle {
		t.Fatalf("expected suppression just before expiry")
	}

	h.clk.Advance(time.Millisecond)
	h.det.cb.OnSpeechStart()
	if h.m.State() != StateSpeaking {
		t.Fatalf("expected speech start at expiry, got %s", h.m.State())
	}
	if h.ctl.interrupts != 1 {
		t.Fatalf("expected barge-in interrupt, got %d", h.ctl.interrupts)
	}
	if len(h.tr.sends) != 1 {
		t.Fatalf("expected buffered frame flushed")
	}
}

func TestInitFailureLeavesIdleNotReady(t *testing.T) {
	det := &fakeDetector{startErr: errors.New("model missing")}
	attempts := 0
	factory := func(cb vad.Callbacks) (vad.Detector, error) {
		attempts++
		det.cb = cb
		return det, nil
	}
	var changes []StateChange
	m := New(Config{}, factory, &fakeTranscriber{}, nil)
	m.AddListener(StateListenerFunc(func(ev StateChange) { changes = append(changes, ev) }))

	err := m.Init(nil)
	if err == nil {
		t.Fatalf("expected init error")
	}
	if errorsx.Reason(err) != errorsx.ReasonVADInit {
		t.Fatalf("expected vad_init reason, got %s", errorsx.Reason(err))
	}
	if m.State() != StateIdle || m.Ready() {
		t.Fatalf("expected IDLE not ready, got %s ready=%v", m.State(), m.Ready())
	}
	if m.Activity() != ActivityLoading {
		t.Fatalf("expected loading activity when not ready")
	}
	if !det.destroyed {
		t.Fatalf("expected failed detector destroyed")
	}

	det.startErr = nil
	det.ready = true
	det.destroyed = false
	if err := m.Init(nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !m.Ready() || attempts != 2 {
		t.Fatalf("expected ready after retry, attempts=%d", attempts)
	}
	if len(changes) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(changes))
	}
	if changes[1].Reason != "vad init failed" || changes[3].Reason != "vad ready" {
		t.Fatalf("unexpected transitions %+v", changes)
	}
}

func TestNilFactoryFails(t *testing.T) {
	m := New(Config{}, nil, nil, nil)
	if err := m.Init(nil); !errors.Is(err, ErrNoDetector) {
		t.Fatalf("expected ErrNoDetector, got %v", err)
	}
}

func TestDestroyIgnoresLateCallbacks(t *testing.T) {
	h := newHarness(t)
	h.det.cb.OnSpeechStart()
	h.m.Destroy()

	if h.m.State() != StateUninitialized {
		t.Fatalf("expected UNINITIALIZED, got %s", h.m.State())
	}
	if !h.det.destroyed || !h.tr.disconnected {
		t.Fatalf("expected detector destroyed and transcriber disconnected")
	}
	sends := len(h.tr.sends)
	h.frame(0.5)
	h.det.cb.OnSpeechEnd()
	if len(h.tr.sends) != sends || len(h.texts) != 0 {
		t.Fatalf("late callbacks must be ignored")
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{From: StateUninitialized, To: StateSpeaking}
	if err.Error() != "invalid state transition from UNINITIALIZED to SPEAKING" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if transitionValid(StateLoading, StateSpeaking) {
		t.Fatalf("LOADING must not jump to SPEAKING")
	}
}

func TestTransitionsUseInjectedClock(t *testing.T) {
	h := newHarness(t)
	var changes []StateChange
	h.m.AddListener(StateListenerFunc(func(c StateChange) { changes = append(changes, c) }))

	h.clk.Advance(5 * time.Second)
	h.det.cb.OnSpeechStart()
	h.clk.Advance(time.Second)
	h.det.cb.OnSpeechEnd()

	if len(changes) != 2 {
		t.Fatalf("expected two transitions, got %+v", changes)
	}
	if !changes[0].Timestamp.Equal(time.Unix(5, 0)) || !changes[1].Timestamp.Equal(time.Unix(6, 0)) {
		t.Fatalf("timestamps should follow the clock, got %v and %v", changes[0].Timestamp, changes[1].Timestamp)
	}
	for _, ev := range h.obs.Events {
		if ev.Name == "speech_end" && !ev.Time.Equal(time.Unix(6, 0)) {
			t.Fatalf("speech_end stamped %v", ev.Time)
		}
	}
}
