package observers

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/redact"
)

// TimelineObserver writes one JSONL trace per session into dir. Lines carry
// the turn number and the offset from the session's first event, so a trace
// reads as a conversation rather than a raw event dump.
type TimelineObserver struct {
	dir    string
	mu     sync.Mutex
	traces map[string]*trace
}

type trace struct {
	f     *os.File
	w     *bufio.Writer
	start time.Time
	turn  int
}

type timelineLine struct {
	At       time.Time         `json:"at"`
	OffsetMs int64             `json:"offset_ms"`
	Turn     int               `json:"turn"`
	Event    string            `json:"event"`
	From     string            `json:"from,omitempty"`
	To       string            `json:"to,omitempty"`
	Value    float64           `json:"value,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, traces: make(map[string]*trace)}
}

// RecordEvent implements metrics.Observer. Chunk events are skipped; a
// streamed reply would otherwise dominate the trace. A disconnect closes the
// session's file.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Name == metrics.EventStreamChunk || strings.TrimSpace(o.dir) == "" {
		return
	}
	name := traceName(ev.Tags[metrics.TagSessionID])
	if name == "" {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	tr, err := o.open(name, ev.Time)
	if err != nil {
		return
	}
	if ev.Name == metrics.EventQuestionSent {
		tr.turn++
	}
	line := timelineLine{
		At:       ev.Time.UTC(),
		OffsetMs: ev.Time.Sub(tr.start).Milliseconds(),
		Turn:     tr.turn,
		Event:    ev.Name,
		Value:    ev.Value,
		Fields:   scrubFields(ev.Fields),
	}
	line.Tags = make(map[string]string, len(ev.Tags))
	for k, v := range ev.Tags {
		switch k {
		case metrics.TagSessionID:
		case metrics.TagFrom:
			line.From = v
		case metrics.TagTo:
			line.To = v
		default:
			line.Tags[k] = v
		}
	}
	if len(line.Tags) == 0 {
		line.Tags = nil
	}
	b, err := json.Marshal(line)
	if err != nil {
		return
	}
	_, _ = tr.w.Write(append(b, '\n'))

	if ev.Name == metrics.EventDisconnected {
		_ = tr.close()
		delete(o.traces, name)
	}
}

// Flush writes buffered lines and syncs open files.
func (o *TimelineObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs error
	for _, tr := range o.traces {
		if err := tr.w.Flush(); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		errs = errors.Join(errs, tr.f.Sync())
	}
	return errs
}

// Close flushes and closes every open trace.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs error
	for name, tr := range o.traces {
		errs = errors.Join(errs, tr.close())
		delete(o.traces, name)
	}
	return errs
}

// open returns the trace for name, reopening its file in append mode if an
// earlier disconnect closed it. Callers hold o.mu.
func (o *TimelineObserver) open(name string, at time.Time) (*trace, error) {
	if tr := o.traces[name]; tr != nil {
		return tr, nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(o.dir, name+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	tr := &trace{f: f, w: bufio.NewWriter(f), start: at}
	o.traces[name] = tr
	return tr, nil
}

func (t *trace) close() error {
	return errors.Join(t.w.Flush(), t.f.Close())
}

// traceName turns a session id into a safe file stem.
func traceName(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range id {
		if r == '-' || r == '_' || r == '.' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// scrubFields redacts user and agent text. URLs lose their query string.
func scrubFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		switch {
		case !ok:
			out[k] = v
		case k == "url":
			out[k] = redact.URL(s)
		default:
			out[k] = redact.Text(s)
		}
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
