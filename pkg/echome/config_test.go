package echome

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/echome/pkg/conversation"
	"github.com/harunnryd/echome/pkg/errorsx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echome.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndExpansion(t *testing.T) {
	t.Setenv("DG_KEY", "secret")
	path := writeConfig(t, `
server:
  base_url: ws://localhost:8080
transcription:
  provider: deepgram
  settings:
    api_key: ${DG_KEY}
conversation:
  internet_access: true
character:
  id: c-1
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.PreSpeechFrames != 7 || cfg.Playback.IdleDebounceMS != 350 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Transcription.Settings["api_key"] != "secret" {
		t.Fatalf("expected expanded api key, got %v", cfg.Transcription.Settings["api_key"])
	}

	sc := cfg.SessionConfig("s-1")
	if sc.ReconnectDelay != 2*time.Second || sc.EchoGuardWindow != 300*time.Millisecond {
		t.Fatalf("unexpected durations %+v", sc)
	}
	if sc.ResubmitPolicy != conversation.ResubmitLostResponse {
		t.Fatalf("unexpected policy %q", sc.ResubmitPolicy)
	}
	if sc.Overrides.InternetAccess == nil || !*sc.Overrides.InternetAccess {
		t.Fatalf("expected internet access override")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("ECHOME_SERVER_BASE_URL", "ws://from-env")
	t.Setenv("ECHOME_CONVERSATION_RESUBMIT_POLICY", "never")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BaseURL != "ws://from-env" || cfg.Conversation.ResubmitPolicy != "never" {
		t.Fatalf("env not applied: %+v", cfg.Server)
	}
}

func TestLoadConfigRequiresBaseURL(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "log_level: debug\n"))
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "server.base_url is required") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestValidateRejectsBadPolicyAndOutput(t *testing.T) {
	cfg := testConfig("ws://x")
	cfg.Conversation.ResubmitPolicy = "sometimes"
	if err := cfg.Validate(); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid for policy, got %v", err)
	}
	cfg = testConfig("ws://x")
	cfg.Playback.Output = "hdmi"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected output error")
	}
}

func TestRegistryBuildsRMSWithHangover(t *testing.T) {
	cfg := testConfig("ws://x")
	cfg.VAD.Settings = map[string]any{"speech_threshold": "0.02", "hangover": "100ms"}
	f, err := DefaultRegistry().BuildVAD(cfg, Deps{Frames: make(chan []float32)})
	if err != nil || f == nil {
		t.Fatalf("build vad: %v", err)
	}
	cfg.VAD.Settings = map[string]any{"threshold": 1}
	if _, err := DefaultRegistry().BuildVAD(cfg, Deps{}); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected unknown key rejection, got %v", err)
	}
}
