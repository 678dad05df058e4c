package observers

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/redact"
)

// LoggerObserver mirrors session events into the log. Failures log at warn,
// everything else at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := eventLevel(ev.Name)
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name))
	if id := ev.Tags[metrics.TagSessionID]; id != "" {
		attrs = append(attrs, slog.String(metrics.TagSessionID, id))
	}
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	keys := make([]string, 0, len(ev.Tags))
	for k := range ev.Tags {
		if k != metrics.TagSessionID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for k, v := range ev.Fields {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, level, "session_event", attrs...)
}

func eventLevel(name string) slog.Level {
	switch name {
	case metrics.EventServerError, metrics.EventPlaybackFailed, metrics.EventDecodeError,
		metrics.EventProtocolViolation, metrics.EventIdleTimeout:
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// MultiObserver fans one event out to every member in order.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush flushes every member that supports it.
func (m *MultiObserver) Flush() error {
	var errs error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			errs = errors.Join(errs, f.Flush())
		}
	}
	return errs
}
