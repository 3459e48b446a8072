// Package echome loads configuration and wires a complete voice
// conversation: microphone, VAD, transcription, conversation socket and
// playback.
package echome

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/echome/pkg/configutil"
	"github.com/harunnryd/echome/pkg/conversation"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/spf13/viper"
)

const EnvPrefix = "ECHOME"

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	VAD           VendorConfig        `mapstructure:"vad"`
	Transcription VendorConfig        `mapstructure:"transcription"`
	Conversation  ConversationConfig  `mapstructure:"conversation"`
	Playback      PlaybackConfig      `mapstructure:"playback"`
	Character     CharacterConfig     `mapstructure:"character"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ServerConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	ASRPath            string `mapstructure:"asr_path"`
	ConversationPath   string `mapstructure:"conversation_path"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
}

type CaptureConfig struct {
	SampleRate      int `mapstructure:"sample_rate"`
	FrameSamples    int `mapstructure:"frame_samples"`
	PreSpeechFrames int `mapstructure:"pre_speech_frames"`
}

type ConversationConfig struct {
	ReconnectDelayMS     int    `mapstructure:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	ResubmitPolicy       string `mapstructure:"resubmit_policy"`
	HistoryLimit         int    `mapstructure:"history_limit"`
	InternetAccess       *bool  `mapstructure:"internet_access"`
	RolePrompt           string `mapstructure:"role_prompt"`
}

type PlaybackConfig struct {
	SampleRate     int     `mapstructure:"sample_rate"`
	IdleDebounceMS int     `mapstructure:"idle_debounce_ms"`
	EchoGuardMS    int     `mapstructure:"echo_guard_ms"`
	Gain           float64 `mapstructure:"gain"`
	Output         string  `mapstructure:"output"`
}

type CharacterConfig struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Prompt string `mapstructure:"prompt"`
}

type ObservabilityConfig struct {
	MetricsPath   string  `mapstructure:"metrics_path"`
	SampleRate    float64 `mapstructure:"sample_rate"`
	TimelineDir   string  `mapstructure:"timeline_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.asr_path", "/ws/asr")
	v.SetDefault("server.conversation_path", "/ws/voice-conversation")
	v.SetDefault("server.handshake_timeout_ms", 10000)
	v.SetDefault("capture.sample_rate", 16000)
	v.SetDefault("capture.frame_samples", 512)
	v.SetDefault("capture.pre_speech_frames", 7)
	v.SetDefault("vad.provider", "rms")
	v.SetDefault("vad.settings", map[string]any{})
	v.SetDefault("transcription.provider", "socket")
	v.SetDefault("transcription.settings", map[string]any{})
	v.SetDefault("conversation.reconnect_delay_ms", 2000)
	v.SetDefault("conversation.max_reconnect_attempts", 0)
	v.SetDefault("conversation.resubmit_policy", string(conversation.ResubmitLostResponse))
	v.SetDefault("conversation.history_limit", conversation.DefaultHistoryLimit)
	v.SetDefault("conversation.role_prompt", "")
	v.SetDefault("playback.sample_rate", 24000)
	v.SetDefault("playback.idle_debounce_ms", 350)
	v.SetDefault("playback.echo_guard_ms", 300)
	v.SetDefault("playback.gain", 1.0)
	v.SetDefault("playback.output", "device")
	v.SetDefault("character.id", "")
	v.SetDefault("character.name", "")
	v.SetDefault("character.prompt", "")
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads path when set, overlays ECHOME_* environment variables,
// expands ${VAR} references and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("conversation.internet_access")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfigInvalid)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfigInvalid)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Server.BaseURL, "server.base_url"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Transcription.Provider, "transcription.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.VAD.Provider, "vad.provider"); err != nil {
		return err
	}
	if _, err := conversation.ParseResubmitPolicy(c.Conversation.ResubmitPolicy); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	switch strings.ToLower(c.Playback.Output) {
	case "device", "virtual":
	default:
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "playback.output must be device or virtual, got %q", c.Playback.Output)
	}
	return nil
}

func (c ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// SessionConfig maps the server, conversation and playback sections onto a
// conversation session config.
func (c Config) SessionConfig(sessionID string) conversation.Config {
	policy, _ := conversation.ParseResubmitPolicy(c.Conversation.ResubmitPolicy)
	return conversation.Config{
		BaseURL:              c.Server.BaseURL,
		Path:                 c.Server.ConversationPath,
		ReconnectDelay:       time.Duration(c.Conversation.ReconnectDelayMS) * time.Millisecond,
		MaxReconnectAttempts: c.Conversation.MaxReconnectAttempts,
		ResubmitPolicy:       policy,
		HistoryLimit:         c.Conversation.HistoryLimit,
		EchoGuardWindow:      time.Duration(c.Playback.EchoGuardMS) * time.Millisecond,
		Overrides: conversation.Overrides{
			RolePrompt:     c.Conversation.RolePrompt,
			InternetAccess: c.Conversation.InternetAccess,
		},
		SessionID: sessionID,
	}
}

func (c Config) CharacterInfo() conversation.Character {
	return conversation.Character{ID: c.Character.ID, Name: c.Character.Name, Prompt: c.Character.Prompt}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.VAD.Settings = expandSettings(cfg.VAD.Settings)
	cfg.Transcription.Settings = expandSettings(cfg.Transcription.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, inner := range val {
			val[k] = expandAny(inner)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
