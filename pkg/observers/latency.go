package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/echome/pkg/metrics"
)

// LatencyObserver measures each voice turn from the end of speech to the
// first reply text, the first reply audio and the end of the stream. A
// barge-in closes the open turn early.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turn
	log   *slog.Logger
}

type turn struct {
	speechEnd  time.Time
	firstDelta time.Time
	firstAudio time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{turns: make(map[string]*turn), log: log}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Name == "speech_end" {
		o.turns[sessionID] = &turn{speechEnd: ev.Time}
		return
	}
	t := o.turns[sessionID]
	if t == nil {
		return
	}
	switch ev.Name {
	case "response_first_delta":
		if t.firstDelta.IsZero() {
			t.firstDelta = ev.Time
		}
	case "response_first_audio":
		if t.firstAudio.IsZero() {
			t.firstAudio = ev.Time
		}
	case "response_complete":
		o.logTurn(sessionID, t, ev.Time, false)
		delete(o.turns, sessionID)
	case "barge_in":
		o.logTurn(sessionID, t, ev.Time, true)
		delete(o.turns, sessionID)
	}
}

// Pending reports how many turns are still waiting for their reply to end.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.turns)
}

func (o *LatencyObserver) logTurn(sessionID string, t *turn, end time.Time, interrupted bool) {
	o.log.Info("turn_latency",
		"session_id", sessionID,
		"first_text_ms", durationMs(t.speechEnd, t.firstDelta),
		"first_audio_ms", durationMs(t.speechEnd, t.firstAudio),
		"total_ms", durationMs(t.speechEnd, end),
		"interrupted", interrupted,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
