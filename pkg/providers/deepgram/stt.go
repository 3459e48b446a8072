// Package deepgram implements stt.Transcriber on Deepgram live streaming.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/echome/pkg/adapters/stt"
	"github.com/harunnryd/echome/pkg/configutil"
	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/harunnryd/echome/pkg/logging"
	"github.com/harunnryd/echome/pkg/metrics"
	"github.com/harunnryd/echome/pkg/pcm"
	"github.com/harunnryd/echome/pkg/redact"
	"github.com/harunnryd/echome/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Settings is the transcription.settings block for the deepgram provider.
type Settings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	InterimResults *bool  `mapstructure:"interim_results"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	ConnectRetries int    `mapstructure:"connect_retries"`
	Backlog        int    `mapstructure:"backlog"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language", "interim_results", "utterance_end_ms", "connect_retries", "backlog"},
}

// ParseSettings validates and decodes a raw settings map.
func ParseSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.Load("transcription.settings", raw, SettingsSchema, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// liveClient is the part of the SDK websocket client the transcriber drives.
type liveClient interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

type dialFunc func(ctx context.Context, cb msginterfaces.LiveMessageCallback) (liveClient, error)

// stream is one segment's connection. Results from a stream that is no
// longer current are ignored.
type stream struct {
	audio  chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

type Transcriber struct {
	mu       sync.Mutex
	cfg      stt.Config
	settings Settings
	ctx      context.Context
	logger   *slog.Logger
	obs      metrics.Observer
	retry    resilience.RetryPolicy
	dial     dialFunc

	cur        *stream
	disposed   bool
	metaLogged bool

	committed string
	partial   string
}

type Option func(*Transcriber)

func WithLogger(l *slog.Logger) Option {
	return func(t *Transcriber) {
		if l != nil {
			t.logger = logging.NewComponentLogger(l, "deepgram_stt")
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(t *Transcriber) {
		if o != nil {
			t.obs = o
		}
	}
}

func WithContext(ctx context.Context) Option {
	return func(t *Transcriber) {
		if ctx != nil {
			t.ctx = ctx
		}
	}
}

func New(cfg stt.Config, settings Settings, opts ...Option) *Transcriber {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if settings.Model == "" {
		settings.Model = "nova-2"
	}
	if settings.Language == "" {
		settings.Language = cfg.Language
	}
	if settings.Language == "" {
		settings.Language = "en-US"
	}
	if settings.Backlog <= 0 {
		settings.Backlog = 256
	}
	t := &Transcriber{
		cfg:      cfg,
		settings: settings,
		ctx:      context.Background(),
		logger:   logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
		obs:      metrics.NoopObserver{},
		retry:    resilience.NewRetryPolicy(settings.ConnectRetries, 200*time.Millisecond),
	}
	t.dial = t.dialSDK
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transcriber) Name() string { return "deepgram_streaming" }

func (t *Transcriber) dialSDK(ctx context.Context, cb msginterfaces.LiveMessageCallback) (liveClient, error) {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          t.settings.Model,
		Language:       t.settings.Language,
		Encoding:       "linear16",
		SampleRate:     t.cfg.SampleRate,
		InterimResults: configutil.Or(t.settings.InterimResults, true),
		SmartFormat:    true,
	}
	if t.settings.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", t.settings.UtteranceEndMS)
		opts.VadEvents = true
	}
	dg, err := client.NewWSUsingCallback(ctx, t.settings.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, cb)
	if err != nil {
		return nil, err
	}
	return dg, nil
}

// Send queues one frame, opening a connection for the segment on first use.
// A full backlog drops the frame.
func (t *Transcriber) Send(frame []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	if t.cur == nil {
		t.cur = t.startLocked()
	}
	select {
	case t.cur.audio <- pcm.Encode(frame):
	default:
		t.logger.Warn("deepgram_backlog_full", "session_id", t.cfg.SessionID)
	}
}

func (t *Transcriber) startLocked() *stream {
	ctx, cancel := context.WithCancel(t.ctx)
	st := &stream{
		audio:  make(chan []byte, t.settings.Backlog),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(ctx, st)
	return st
}

func (t *Transcriber) run(ctx context.Context, st *stream) {
	defer close(st.done)
	start := time.Now()
	cb := &callback{parent: t, st: st}

	var dg liveClient
	err := t.retry.Do(ctx, func() error {
		c, err := t.dial(ctx, cb)
		if err != nil {
			return err
		}
		if !c.Connect() {
			return fmt.Errorf("deepgram connection failed")
		}
		dg = c
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			err = errorsx.Wrap(err, errorsx.ReasonASRConnect)
			t.logger.Error("deepgram_connect_failed", "session_id", t.cfg.SessionID, "reason_code", errorsx.Reason(err), "error", err)
		}
		t.record("asr_connect", 0, map[string]string{"status": "failed"})
		return
	}
	t.record("asr_connect", float64(time.Since(start).Milliseconds()), map[string]string{"status": "ok"})
	t.logger.Info("deepgram_connected", "session_id", t.cfg.SessionID, "model", t.settings.Model)

	pr, pw := io.Pipe()
	stopWrites := context.AfterFunc(ctx, func() { _ = pw.CloseWithError(ctx.Err()) })
	defer stopWrites()
	go func() {
		if err := dg.Stream(pr); err != nil && ctx.Err() == nil {
			t.logger.Error("deepgram_stream_error", "session_id", t.cfg.SessionID, "error", err)
		}
	}()
	defer func() {
		_ = pw.Close()
		dg.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-st.audio:
			if _, err := pw.Write(chunk); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Warn("deepgram_send_failed", "session_id", t.cfg.SessionID,
					"reason_code", errorsx.ReasonASRSend, "error", err)
				return
			}
		}
	}
}

// Close ends the segment's connection. The transcript is kept until Reset.
func (t *Transcriber) Close() {
	t.mu.Lock()
	st := t.cur
	t.cur = nil
	t.mu.Unlock()
	if st != nil {
		st.cancel()
	}
}

// Disconnect closes the connection, waits for it to wind down and refuses further audio.
// Disconnect stops the current segment and refuses audio until Reset.
func (t *Transcriber) Disconnect() {
	t.mu.Lock()
	st := t.cur
	t.cur = nil
	t.disposed = true
	t.committed, t.partial = "", ""
	t.mu.Unlock()
	if st != nil {
		st.cancel()
		<-st.done
	}
}

func (t *Transcriber) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return joinTranscript(t.committed, t.partial)
}

// Reset clears the transcript and lifts a previous Disconnect, so a capture
// machine that was destroyed and initialised again can stream once more.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	t.disposed = false
	t.committed, t.partial = "", ""
	t.mu.Unlock()
}

// apply merges one result. Interim text replaces the open utterance and a
// final result commits it.
func (t *Transcriber) apply(st *stream, text string, final bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st != t.cur {
		return
	}
	if final {
		t.committed = joinTranscript(t.committed, text)
		t.partial = ""
		return
	}
	t.partial = text
}

func (t *Transcriber) record(name string, value float64, tags map[string]string) {
	if tags == nil {
		tags = map[string]string{}
	}
	tags["session_id"] = t.cfg.SessionID
	tags["provider"] = "deepgram"
	t.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}

func joinTranscript(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

type callback struct {
	parent *Transcriber
	st     *stream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened", "session_id", c.parent.cfg.SessionID)
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	final := mr.IsFinal || mr.SpeechFinal
	c.parent.logger.Debug("transcript_received",
		"session_id", c.parent.cfg.SessionID,
		"transcript", redact.Preview(transcript, redact.DefaultPreviewRunes),
		"is_final", final)
	c.parent.apply(c.st, transcript, final)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	first := !c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if first {
		c.parent.logger.Info("deepgram_metadata_received",
			"session_id", c.parent.cfg.SessionID, "request_id", md.RequestID)
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event", "session_id", c.parent.cfg.SessionID)
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("deepgram_connection_closed", "session_id", c.parent.cfg.SessionID)
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		"session_id", c.parent.cfg.SessionID,
		"error_code", er.ErrCode,
		"error_message", er.ErrMsg)
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", "session_id", c.parent.cfg.SessionID, "bytes", len(byData))
	return nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
