package echome

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/echome/pkg/adapters/stt"
	"github.com/harunnryd/echome/pkg/configutil"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/providers/deepgram"
	"github.com/harunnryd/echome/pkg/socket"
	"github.com/harunnryd/echome/pkg/transcription"
	"github.com/harunnryd/echome/pkg/vad"
)

// Deps are the shared collaborators handed to provider factories.
type Deps struct {
	SessionID string
	Context   context.Context
	Logger    *slog.Logger
	Observer  metrics.Observer
	Dialer    socket.Dialer
	// Frames is the microphone frame stream VAD providers read.
	Frames <-chan []float32
}

type TranscriberFactory func(cfg Config, deps Deps) (stt.Transcriber, error)
type VADFactory func(cfg Config, deps Deps) (vad.Factory, error)

type ProviderRegistry struct {
	stt map[string]TranscriberFactory
	vad map[string]VADFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]TranscriberFactory),
		vad: make(map[string]VADFactory),
	}
}

// DefaultRegistry knows the socket and deepgram transcribers and the rms VAD.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterTranscriber("socket", buildSocketTranscriber)
	r.RegisterTranscriber("deepgram", buildDeepgramTranscriber)
	r.RegisterVAD("rms", buildRMSVAD)
	return r
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterVAD(name string, factory VADFactory) {
	r.vad[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildTranscriber(cfg Config, deps Deps) (stt.Transcriber, error) {
	fn := r.stt[normalizeName(cfg.Transcription.Provider)]
	if fn == nil {
		return nil, errorsx.Newf(errorsx.ReasonConfigInvalid, "transcription provider not registered: %s", cfg.Transcription.Provider)
	}
	return fn(cfg, deps)
}

func (r *ProviderRegistry) BuildVAD(cfg Config, deps Deps) (vad.Factory, error) {
	fn := r.vad[normalizeName(cfg.VAD.Provider)]
	if fn == nil {
		return nil, errorsx.Newf(errorsx.ReasonConfigInvalid, "vad provider not registered: %s", cfg.VAD.Provider)
	}
	return fn(cfg, deps)
}

func buildSocketTranscriber(cfg Config, deps Deps) (stt.Transcriber, error) {
	if err := configutil.ValidateSettings("transcription.settings", cfg.Transcription.Settings, configutil.Schema{}); err != nil {
		return nil, err
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = socket.GorillaDialer{HandshakeTimeout: cfg.Server.HandshakeTimeout()}
	}
	return transcription.New(transcription.Config{
		BaseURL:    cfg.Server.BaseURL,
		Path:       cfg.Server.ASRPath,
		SampleRate: cfg.Capture.SampleRate,
		SessionID:  deps.SessionID,
	}, dialer,
		transcription.WithContext(deps.Context),
		transcription.WithLogger(deps.Logger),
		transcription.WithObserver(deps.Observer),
	), nil
}

func buildDeepgramTranscriber(cfg Config, deps Deps) (stt.Transcriber, error) {
	settings, err := deepgram.ParseSettings(cfg.Transcription.Settings)
	if err != nil {
		return nil, err
	}
	return deepgram.New(stt.Config{
		SessionID:  deps.SessionID,
		SampleRate: cfg.Capture.SampleRate,
	}, settings,
		deepgram.WithContext(deps.Context),
		deepgram.WithLogger(deps.Logger),
		deepgram.WithObserver(deps.Observer),
	), nil
}

var rmsSchema = configutil.Schema{
	Optional: []string{"speech_threshold", "silence_threshold", "speech_frames", "silence_frames", "hangover"},
}

type rmsSettings struct {
	vad.RMSConfig `mapstructure:",squash"`
	// Hangover overrides silence_frames with a duration of trailing silence.
	Hangover time.Duration `mapstructure:"hangover"`
}

func buildRMSVAD(cfg Config, deps Deps) (vad.Factory, error) {
	var s rmsSettings
	if err := configutil.Load("vad.settings", cfg.VAD.Settings, rmsSchema, &s); err != nil {
		return nil, err
	}
	if s.Hangover > 0 && cfg.Capture.FrameSamples > 0 && cfg.Capture.SampleRate > 0 {
		frame := time.Duration(cfg.Capture.FrameSamples) * time.Second / time.Duration(cfg.Capture.SampleRate)
		s.SilenceFrames = int((s.Hangover + frame - 1) / frame)
	}
	return vad.RMSFactory(s.RMSConfig, deps.Frames), nil
}
