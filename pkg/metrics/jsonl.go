package metrics

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
)

// JSONLObserver writes one JSON line per event. Tags and fields are nested
// under "tags" and "fields".
type JSONLObserver struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	return &JSONLObserver{buf: buf, logger: slog.New(slog.NewJSONHandler(buf, nil))}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("at", ev.Time),
		slog.Float64("value", ev.Value),
	}
	if len(ev.Tags) > 0 {
		tags := make([]any, 0, len(ev.Tags))
		for k, v := range ev.Tags {
			tags = append(tags, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("tags", tags...))
	}
	if len(ev.Fields) > 0 {
		fields := make([]any, 0, len(ev.Fields))
		for k, v := range ev.Fields {
			fields = append(fields, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("fields", fields...))
	}
	o.mu.Lock()
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "metric", attrs...)
	o.mu.Unlock()
}

func (o *JSONLObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Flush()
}
