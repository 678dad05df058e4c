package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/frames"
	"github.com/harunnryd/avatarlink/pkg/media"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/protocol"
	"github.com/harunnryd/avatarlink/pkg/transports"
)

// SubmitText asks a typed question. It is refused while disconnected or busy.
func (s *Session) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	return s.do(ctx, func() error {
		if err := s.ready(true, "text"); err != nil {
			return err
		}
		if err := s.send(protocol.TextQuestion{Question: text}); err != nil {
			return s.rejected("text", err)
		}
		s.beginTurn()
		s.state.Status = StatusProcessing
		s.log.Info("session_question_sent", "kind", "text", "question", s.redact(text))
		s.record(metrics.EventQuestionSent, float64(len(text)), map[string]string{metrics.TagKind: "text"}, map[string]any{"text": text})
		s.publish("submit text")
		return nil
	})
}

// SubmitVoice sends recorded audio as a question. It is refused while
// disconnected or busy. Empty audio cannot be encoded and moves the session
// to the error status without sending anything.
func (s *Session) SubmitVoice(ctx context.Context, raw []byte) error {
	return s.do(ctx, func() error {
		if err := s.ready(true, "voice"); err != nil {
			return err
		}
		return s.sendVoice(raw)
	})
}

// RequestStreamingAudio asks the server to stream the spoken answer to text.
// The session status is left to the resulting stream events.
func (s *Session) RequestStreamingAudio(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	return s.do(ctx, func() error {
		if err := s.ready(false, "stream"); err != nil {
			return err
		}
		if err := s.send(protocol.StreamingAudioRequest{Question: text}); err != nil {
			return s.rejected("stream", err)
		}
		s.log.Info("session_question_sent", "kind", "stream", "question", s.redact(text))
		s.record(metrics.EventQuestionSent, float64(len(text)), map[string]string{metrics.TagKind: "stream"}, map[string]any{"text": text})
		return nil
	})
}

// StartRecording begins a microphone capture.
func (s *Session) StartRecording(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.ready(true, "recording"); err != nil {
			return err
		}
		if s.capture == nil {
			return s.rejected("recording", errorsx.New(errorsx.ReasonCapture, "no capture device configured"))
		}
		rec, err := s.capture.Start(s.ctx)
		if err != nil {
			err = errorsx.Wrap(fmt.Errorf("start capture: %w", err), errorsx.ReasonCapture)
			s.log.Error("session_recording_failed", "error", err)
			s.state.Status = StatusError
			s.state.LastError = err.Error()
			s.publish("capture failed")
			return err
		}
		s.recGen++
		s.recording = rec
		s.disarm(&s.legacy)
		s.stopMedia()
		s.state.Recording = true
		s.state.Speaking = false
		s.state.Status = StatusRecording
		s.log.Info("session_recording_started")
		s.publish("recording started")
		return nil
	})
}

// StopRecording ends the capture and submits it as a voice question once the
// device has flushed. The send happens even though processing_voice is busy,
// but still requires the connection.
func (s *Session) StopRecording(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.recording == nil {
			return ErrNotRecording
		}
		rec := s.recording
		s.recording = nil
		gen := s.recGen
		s.state.Recording = false
		s.state.Status = StatusProcessingVoice
		s.publish("recording stopped")

		go func() {
			data, err := rec.Stop()
			s.post(func() { s.flushRecording(gen, data, err) })
		}()
		return nil
	})
}

func (s *Session) flushRecording(gen uint64, data []byte, err error) {
	if gen != s.recGen {
		s.log.Info("session_recording_discarded", "bytes", len(data))
		return
	}
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonCapture)
		s.log.Error("session_recording_failed", "error", err)
		s.state.Status = StatusError
		s.state.LastError = err.Error()
		s.publish("capture failed")
		return
	}
	if err := s.ready(false, "voice"); err != nil {
		return
	}
	_ = s.sendVoice(data)
}

func (s *Session) sendVoice(raw []byte) error {
	if len(raw) == 0 {
		s.log.Warn("session_voice_encode_failed", "reason", "empty audio")
		s.state.Status = StatusError
		s.state.LastError = "no audio captured"
		s.publish("voice encode failed")
		return ErrEmptyInput
	}
	encoded := media.Encode(raw)
	if err := s.send(protocol.VoiceQuestion{AudioData: encoded}); err != nil {
		return s.rejected("voice", err)
	}
	s.beginTurn()
	s.state.Status = StatusTranscribing
	s.log.Info("session_question_sent", "kind", "voice", "bytes", len(raw))
	s.record(metrics.EventQuestionSent, float64(len(raw)), map[string]string{metrics.TagKind: "voice"}, nil)
	s.publish("submit voice")
	return nil
}

// beginTurn clears the previous exchange before a new question goes out.
func (s *Session) beginTurn() {
	s.disarm(&s.legacy)
	s.stopMedia()
	s.state.Transcript = ""
	s.state.Question = ""
	s.state.ResponseText = ""
	s.state.LastError = ""
	s.state.Speaking = false
}

// ready checks the connection and, when gated, the busy status.
func (s *Session) ready(gated bool, kind string) error {
	var err error
	switch {
	case !s.state.Connected:
		err = notReady("disconnected")
	case gated && s.state.Status.IsBusy():
		err = notReady("busy (%s)", s.state.Status)
	}
	if err != nil {
		s.log.Warn("session_intent_rejected", "kind", kind, "error", err)
		s.record(metrics.EventIntentRejected, 0, map[string]string{metrics.TagKind: kind, metrics.TagReason: string(s.state.Status)}, nil)
	}
	return err
}

func (s *Session) send(in protocol.Intent) error {
	payload, err := protocol.EncodeIntent(in)
	if err != nil {
		return err
	}
	return s.tr.Send(frames.NewTextFrame(s.id, 0, string(payload), nil))
}

// rejected maps a failed send to the caller's error. A transport that is not
// open means the session is not ready.
func (s *Session) rejected(kind string, err error) error {
	if errors.Is(err, transports.ErrNotConnected) {
		err = notReady("transport not connected")
	}
	s.log.Warn("session_intent_rejected", "kind", kind, "error", err)
	s.record(metrics.EventIntentRejected, 0, map[string]string{metrics.TagKind: kind, metrics.TagReason: string(errorsx.Reason(err))}, nil)
	return err
}
