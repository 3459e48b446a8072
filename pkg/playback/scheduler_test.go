package playback

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/echome/pkg/clock"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/pcm"
)

const testRate = 24000

func chunkOf(d time.Duration) []byte {
	n := int(d * testRate / time.Second)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return pcm.Encode(samples)
}

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Manual, **VirtualOutput) {
	t.Helper()
	c := clock.NewManual(time.Unix(0, 0))
	var out *VirtualOutput
	factory := func(rate int) (Output, error) {
		out = NewVirtualOutput(c, rate)
		return out, nil
	}
	s := NewScheduler(Config{SampleRate: testRate, IdleDebounce: 350 * time.Millisecond}, factory, WithClock(c))
	return s, c, &out
}

func TestEnqueueIsGaplessUnderJitter(t *testing.T) {
	s, c, _ := newTestScheduler(t)

	c.Advance(5 * time.Millisecond)
	first, err := s.Enqueue(chunkOf(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.StartAt != 0 {
		t.Fatalf("expected first chunk at output time 0, got %s", first.StartAt)
	}

	c.Advance(30 * time.Millisecond)
	second, _ := s.Enqueue(chunkOf(80 * time.Millisecond))
	c.Advance(2 * time.Millisecond)
	third, _ := s.Enqueue(chunkOf(40 * time.Millisecond))

	if second.StartAt != first.StartAt+first.Duration {
		t.Fatalf("gap or overlap between first and second: %s vs %s", second.StartAt, first.StartAt+first.Duration)
	}
	if third.StartAt != second.StartAt+second.Duration {
		t.Fatalf("gap or overlap between second and third: %s vs %s", third.StartAt, second.StartAt+second.Duration)
	}
	if next, ok := s.NextStartTime(); !ok || next != 220*time.Millisecond {
		t.Fatalf("expected cursor at 220ms, got %s (set=%v)", next, ok)
	}
}

func TestEnqueueAfterUnderrunStartsAtNow(t *testing.T) {
	s, c, _ := newTestScheduler(t)
	if _, err := s.Enqueue(chunkOf(50 * time.Millisecond)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c.Advance(100 * time.Millisecond)
	late, _ := s.Enqueue(chunkOf(50 * time.Millisecond))
	if late.StartAt != 100*time.Millisecond {
		t.Fatalf("expected late chunk at clock now (100ms), got %s", late.StartAt)
	}
}

func TestIdleDebounceClearsPlaying(t *testing.T) {
	idle := 0
	c := clock.NewManual(time.Unix(0, 0))
	s := NewScheduler(Config{SampleRate: testRate, IdleDebounce: 350 * time.Millisecond}, VirtualFactory(c),
		WithClock(c), WithIdleCallback(func() { idle++ }))

	_, _ = s.Enqueue(chunkOf(100 * time.Millisecond))
	if !s.IsPlaying() {
		t.Fatalf("expected playing after enqueue")
	}
	c.Advance(100 * time.Millisecond)
	if s.ActiveSources() != 0 {
		t.Fatalf("expected source to end")
	}
	c.Advance(349 * time.Millisecond)
	if !s.IsPlaying() {
		t.Fatalf("expected still playing inside debounce")
	}
	c.Advance(time.Millisecond)
	if s.IsPlaying() {
		t.Fatalf("expected not playing after debounce")
	}
	if _, ok := s.NextStartTime(); ok {
		t.Fatalf("expected cursor cleared")
	}
	if idle != 1 {
		t.Fatalf("expected idle callback once, got %d", idle)
	}
}

func TestChunkInsideDebounceKeepsPlaying(t *testing.T) {
	s, c, _ := newTestScheduler(t)
	_, _ = s.Enqueue(chunkOf(100 * time.Millisecond))
	c.Advance(200 * time.Millisecond)
	_, _ = s.Enqueue(chunkOf(100 * time.Millisecond))
	c.Advance(300 * time.Millisecond)
	if !s.IsPlaying() {
		t.Fatalf("expected playing: debounce should restart after the second chunk ends")
	}
	c.Advance(150 * time.Millisecond)
	if s.IsPlaying() {
		t.Fatalf("expected idle after second debounce")
	}
}

func TestStopAllBargeIn(t *testing.T) {
	s, c, _ := newTestScheduler(t)
	for i := 0; i < 10; i++ {
		if _, err := s.Enqueue(chunkOf(60 * time.Millisecond)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	// The first chunk has already finished when the stop arrives.
	c.Advance(60 * time.Millisecond)

	s.StopAll()
	if s.ActiveSources() != 0 {
		t.Fatalf("expected zero active sources, got %d", s.ActiveSources())
	}
	if s.IsPlaying() {
		t.Fatalf("expected not playing after stop")
	}
	if _, ok := s.NextStartTime(); ok {
		t.Fatalf("expected cursor cleared")
	}
	c.Advance(2 * time.Second)
	if s.IsPlaying() {
		t.Fatalf("stopped sources must not revive playback")
	}

	c.Advance(10 * time.Millisecond)
	next, _ := s.Enqueue(chunkOf(20 * time.Millisecond))
	if next.StartAt != 2070*time.Millisecond {
		t.Fatalf("expected fresh timeline at now, got %s", next.StartAt)
	}
}

func TestEnqueueRejectsBadChunk(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.Enqueue([]byte{1, 2, 3}); !errorsx.HasReason(err, errorsx.ReasonPCMDecode) {
		t.Fatalf("expected pcm_decode, got %v", err)
	}
	if s.IsPlaying() {
		t.Fatalf("bad chunk must not start playback")
	}
}

func TestOutputFactoryFailureIsCapabilityError(t *testing.T) {
	s := NewScheduler(Config{}, func(int) (Output, error) { return nil, errors.New("no device") })
	err := s.Resume()
	if !errorsx.HasReason(err, errorsx.ReasonPlaybackUnavailable) {
		t.Fatalf("expected playback_unavailable, got %v", err)
	}
}

func TestGainAndClose(t *testing.T) {
	s, _, outp := newTestScheduler(t)
	obs := metrics.NewMemoryObserver()
	WithObserver(obs)(s)
	s.SetGain(0.5)
	if _, err := s.Enqueue(chunkOf(10 * time.Millisecond)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := *outp
	if len(out.Played()) != 1 {
		t.Fatalf("expected one buffer played")
	}
	if len(obs.Events) != 1 || obs.Events[0].Name != "playback_chunk" {
		t.Fatalf("expected playback_chunk metric, got %+v", obs.Events)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := out.Play(nil, 0, nil); !errors.Is(err, ErrOutputClosed) {
		t.Fatalf("expected output closed after scheduler close")
	}
	if _, err := s.Enqueue(chunkOf(10 * time.Millisecond)); err != nil {
		t.Fatalf("expected lazy re-open after close: %v", err)
	}
	if *outp == out {
		t.Fatalf("expected a fresh output after close")
	}
}

func TestOutputFailureIsKeptUntilResume(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	calls := 0
	broken := true
	s := NewScheduler(Config{SampleRate: testRate}, func(rate int) (Output, error) {
		calls++
		if broken {
			return nil, errors.New("no device")
		}
		return NewVirtualOutput(c, rate), nil
	}, WithClock(c))

	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(chunkOf(10 * time.Millisecond)); !errorsx.HasReason(err, errorsx.ReasonPlaybackUnavailable) {
			t.Fatalf("enqueue %d: expected playback_unavailable, got %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("factory should run once per failure, ran %d times", calls)
	}

	broken = false
	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if calls != 2 {
		t.Fatalf("resume should retry the factory, calls=%d", calls)
	}
	if _, err := s.Enqueue(chunkOf(10 * time.Millisecond)); err != nil {
		t.Fatalf("enqueue after resume: %v", err)
	}
}
