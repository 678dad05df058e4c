package metrics

import "time"

// Event names recorded by a session.
const (
	EventConnected         = "session_connected"
	EventDisconnected      = "session_disconnected"
	EventStatusChanged     = "status_changed"
	EventQuestionSent      = "question_sent"
	EventIntentRejected    = "intent_rejected"
	EventTranscriptReady   = "transcript_ready"
	EventResponseText      = "response_text"
	EventAudioReady        = "audio_ready"
	EventVideoReady        = "video_ready"
	EventStreamStarted     = "stream_started"
	EventStreamChunk       = "stream_chunk"
	EventStreamCompleted   = "stream_completed"
	EventPlaybackStarted   = "playback_started"
	EventPlaybackEnded     = "playback_ended"
	EventPlaybackFailed    = "playback_failed"
	EventLegacyReply       = "legacy_reply"
	EventServerError       = "server_error"
	EventProtocolViolation = "protocol_violation"
	EventDecodeError       = "decode_error"
	EventIdleTimeout       = "idle_timeout"
)

// Common tag keys.
const (
	TagSessionID = "session_id"
	TagKind      = "kind"
	TagSource    = "source"
	TagFrom      = "from"
	TagTo        = "to"
	TagReason    = "reason"
)

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
