package echome

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/echome/pkg/conversation"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/mockserver"
	"github.com/harunnryd/echome/pkg/playback"
)

type chanSource struct {
	frames chan []float32
	once   sync.Once
	closed chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan []float32, 16), closed: make(chan struct{})}
}

func (s *chanSource) Frames() <-chan []float32 { return s.frames }

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func level(v float32) []float32 {
	out := make([]float32, 512)
	for i := range out {
		out[i] = v
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(baseURL string) Config {
	return Config{
		Server: ServerConfig{
			BaseURL:            baseURL,
			ASRPath:            "/ws/asr",
			ConversationPath:   "/ws/voice-conversation",
			HandshakeTimeoutMS: 2000,
		},
		Capture:       CaptureConfig{SampleRate: 16000, FrameSamples: 512, PreSpeechFrames: 2},
		VAD:           VendorConfig{Provider: "rms", Settings: map[string]any{"speech_frames": 1, "silence_frames": 1}},
		Transcription: VendorConfig{Provider: "socket"},
		Conversation:  ConversationConfig{ReconnectDelayMS: 100, ResubmitPolicy: "lost_response", HistoryLimit: 10},
		Playback:      PlaybackConfig{SampleRate: 24000, IdleDebounceMS: 50, EchoGuardMS: 300, Gain: 1, Output: "virtual"},
		Character:     CharacterConfig{ID: "00000000-0000-0000-0000-000000000001", Prompt: "Be brief."},
	}
}

func TestEngineRoundTripAgainstMockBackend(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Config{
		Words:            []string{"hello", "there", ""},
		WordsPerSentence: 3,
	}, nil).Handler())
	defer srv.Close()

	var mu sync.Mutex
	var utterances []string
	var history []conversation.ChatMessage
	obs := metrics.NewMemoryObserver()
	src := newChanSource()
	e, err := NewEngine(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), Options{
		Source:   src,
		Observer: obs,
		OnUtterance: func(text string) {
			mu.Lock()
			utterances = append(utterances, text)
			mu.Unlock()
		},
		Listener: conversation.ListenerFuncs{History: func(h []conversation.ChatMessage) {
			mu.Lock()
			history = h
			mu.Unlock()
		}},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Drain()

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "conversation connected", func() bool {
		return e.Conversation().State() == conversation.StateConnected
	})

	src.frames <- level(0)
	src.frames <- level(0.5)
	eventually(t, "partial transcript", func() bool {
		return strings.TrimSpace(e.transcriber.Transcript()) == "hello there"
	})
	src.frames <- level(0)

	eventually(t, "assistant reply", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(history) == 2 && history[1].Content.String() == "You said: hello there"
	})
	mu.Lock()
	if len(utterances) != 1 || utterances[0] != "hello there" {
		t.Fatalf("unexpected utterances %q", utterances)
	}
	mu.Unlock()
	eventually(t, "capture idle", func() bool { return !e.Conversation().Busy() })
}

func TestEngineTypedTurnCarriesImages(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Config{}, nil).Handler())
	defer srv.Close()

	e, err := NewEngine(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), Options{Source: newChanSource()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Drain()
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	e.Say("look at this", "https://img/cat.png")
	eventually(t, "reply", func() bool {
		h := e.Conversation().History()
		return len(h) == 2 && h[1].Role == conversation.RoleAssistant && h[1].Content.String() == "You said: look at this"
	})
	if !e.Conversation().History()[0].Content.IsParts() {
		t.Fatalf("expected the user turn to carry parts")
	}
}

func TestNewEngineRequiresOutputForDevicePlayback(t *testing.T) {
	cfg := testConfig("ws://localhost")
	cfg.Playback.Output = "device"
	_, err := NewEngine(cfg, Options{Source: newChanSource()})
	if !errorsx.HasReason(err, errorsx.ReasonPlaybackUnavailable) {
		t.Fatalf("expected playback_unavailable, got %v", err)
	}
}

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig("ws://localhost")
	cfg.Transcription.Provider = "whisper"
	_, err := NewEngine(cfg, Options{Source: newChanSource()})
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func TestStartFailsWhenOutputCannotOpen(t *testing.T) {
	cfg := testConfig("ws://localhost")
	cfg.Playback.Output = "device"
	opened := 0
	e, err := NewEngine(cfg, Options{
		Source: newChanSource(),
		Output: func(int) (playback.Output, error) {
			opened++
			return nil, errors.New("no speaker")
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Drain()

	if err := e.Start(); !errorsx.HasReason(err, errorsx.ReasonPlaybackUnavailable) {
		t.Fatalf("expected playback_unavailable, got %v", err)
	}
	if e.Conversation().State() != conversation.StateIdle {
		t.Fatalf("conversation must not connect without an output")
	}
	if err := e.Start(); err == nil || opened != 2 {
		t.Fatalf("a failed start should be retryable, opened=%d err=%v", opened, err)
	}
}
