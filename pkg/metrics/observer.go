// Package metrics carries named measurements from the audio and socket
// sessions to pluggable sinks.
package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Recorder stamps events with a session id and the time from now.
type Recorder struct {
	obs       Observer
	sessionID string
	now       func() time.Time
}

func NewRecorder(obs Observer, sessionID string, now func() time.Time) Recorder {
	if obs == nil {
		obs = NoopObserver{}
	}
	if now == nil {
		now = time.Now
	}
	return Recorder{obs: obs, sessionID: sessionID, now: now}
}

// Record emits name with value. kv are extra tag pairs; a trailing odd key is ignored.
func (r Recorder) Record(name string, value float64, kv ...string) {
	tags := make(map[string]string, 1+len(kv)/2)
	tags["session_id"] = r.sessionID
	for i := 0; i+1 < len(kv); i += 2 {
		tags[kv[i]] = kv[i+1]
	}
	r.obs.RecordEvent(MetricsEvent{Name: name, Time: r.now(), Value: value, Tags: tags})
}
