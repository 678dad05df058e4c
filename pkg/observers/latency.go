package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/avatarlink/pkg/metrics"
)

// TurnLatency is the timing of one question/answer exchange. Durations are
// measured from the moment the question was sent; -1 means the stage never
// happened.
type TurnLatency struct {
	SessionID    string
	Kind         string
	TranscriptMs int64
	ResponseMs   int64
	AudioMs      int64
	SpeakingMs   int64
	Outcome      string
}

// LatencyObserver follows question_sent through to playback and logs the
// stage timings of every turn.
type LatencyObserver struct {
	mu     sync.Mutex
	turns  map[string]*turn
	log    *slog.Logger
	report func(TurnLatency)
}

type turn struct {
	kind       string
	sent       time.Time
	transcript time.Time
	response   time.Time
	audio      time.Time
	speaking   time.Time
}

// NewLatencyObserver logs every finished turn; report, when set, receives it too.
func NewLatencyObserver(log *slog.Logger, report func(TurnLatency)) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns:  make(map[string]*turn),
		log:    log,
		report: report,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags[metrics.TagSessionID]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if ev.Name == metrics.EventQuestionSent {
		if prev := o.turns[sessionID]; prev != nil {
			o.finishLocked(sessionID, prev, "superseded")
		}
		o.turns[sessionID] = &turn{kind: ev.Tags[metrics.TagKind], sent: ev.Time}
		return
	}
	t := o.turns[sessionID]
	if t == nil {
		return
	}
	switch ev.Name {
	case metrics.EventTranscriptReady:
		setOnce(&t.transcript, ev.Time)
	case metrics.EventResponseText, metrics.EventLegacyReply:
		setOnce(&t.response, ev.Time)
	case metrics.EventAudioReady, metrics.EventStreamCompleted:
		setOnce(&t.audio, ev.Time)
	case metrics.EventPlaybackStarted:
		setOnce(&t.speaking, ev.Time)
	case metrics.EventPlaybackEnded:
		o.finishLocked(sessionID, t, "played")
	case metrics.EventPlaybackFailed:
		o.finishLocked(sessionID, t, "playback_failed")
	case metrics.EventServerError:
		o.finishLocked(sessionID, t, "server_error")
	case metrics.EventDisconnected:
		o.finishLocked(sessionID, t, "disconnected")
	}
}

func (o *LatencyObserver) finishLocked(sessionID string, t *turn, outcome string) {
	delete(o.turns, sessionID)
	lat := TurnLatency{
		SessionID:    sessionID,
		Kind:         t.kind,
		TranscriptMs: durationMs(t.sent, t.transcript),
		ResponseMs:   durationMs(t.sent, t.response),
		AudioMs:      durationMs(t.sent, t.audio),
		SpeakingMs:   durationMs(t.sent, t.speaking),
		Outcome:      outcome,
	}
	o.log.Info("turn_latency",
		"session_id", sessionID,
		"kind", lat.Kind,
		"transcript_ms", lat.TranscriptMs,
		"response_ms", lat.ResponseMs,
		"audio_ms", lat.AudioMs,
		"speaking_ms", lat.SpeakingMs,
		"outcome", outcome,
	)
	if o.report != nil {
		o.report(lat)
	}
}

func setOnce(dst *time.Time, v time.Time) {
	if dst.IsZero() {
		*dst = v
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
