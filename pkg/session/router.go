package session

import (
	"errors"
	"strconv"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/frames"
	"github.com/harunnryd/avatarlink/pkg/media"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/protocol"
	"github.com/harunnryd/avatarlink/pkg/redact"
	"github.com/harunnryd/avatarlink/pkg/stream"
)

func (s *Session) handleFrame(f frames.Frame) {
	switch v := f.(type) {
	case frames.SystemFrame:
		switch v.Name() {
		case frames.SystemOpen:
			s.opened(v)
		case frames.SystemClose:
			s.closed("")
		case frames.SystemError:
			msg := v.Err()
			if msg == "" {
				msg = "connection error"
			}
			s.closed(msg)
		}
	case frames.TextFrame:
		if !s.state.Connected {
			s.log.Warn("session_frame_ignored", "reason", "not connected", "frame", redact.Frame(v.Text()))
			return
		}
		ev, err := protocol.DecodeEvent([]byte(v.Text()))
		if err != nil {
			s.violation(err, v.Text())
			return
		}
		s.route(ev)
	default:
		s.log.Debug("session_frame_ignored", "kind", f.Kind())
	}
}

func (s *Session) opened(f frames.SystemFrame) {
	if s.state.Connected || s.ended {
		s.log.Warn("session_duplicate_open_ignored")
		return
	}
	s.state.Connected = true
	s.state.Status = StatusConnected
	s.state.LastError = ""
	s.log.Info("session_connected", "remote", f.Meta()[frames.MetaRemote])
	s.record(metrics.EventConnected, 0, nil, nil)
	s.publish("transport open")
}

// closed handles the transport's terminal frame. Frames after it are ignored.
func (s *Session) closed(errMsg string) {
	if s.ended {
		return
	}
	wasConnected := s.state.Connected
	s.ended = true
	s.teardown(errMsg)
	if wasConnected {
		s.record(metrics.EventDisconnected, 0, map[string]string{metrics.TagReason: reasonOr(errMsg, "closed")}, nil)
	}
}

// transportEnded runs when the receive channel closes. A transport that dropped
// without its terminal frame is treated as closed.
func (s *Session) transportEnded() {
	if !s.ended && s.state.Connected {
		s.log.Warn("session_transport_ended_without_terminal_frame")
		s.closed("")
	}
	s.ended = true
}

// teardown abandons everything in flight. An empty errMsg means a clean close.
func (s *Session) teardown(errMsg string) {
	s.disarm(&s.legacy)
	if s.reassembler.Collecting() {
		s.log.Warn("session_stream_abandoned", "fragments", s.reassembler.Len())
	}
	s.reassembler.Reset()
	s.abortRecording()
	s.stopMedia()
	if s.video != nil && s.state.VideoURL != "" {
		if err := s.video.Stop(); err != nil {
			s.log.Debug("session_video_stop_failed", "error", err)
		}
	}
	s.state.VideoURL = ""
	s.state.Connected = false
	s.state.Speaking = false
	s.state.Recording = false
	if errMsg != "" {
		s.state.Status = StatusError
		s.state.LastError = errMsg
		s.log.Warn("session_transport_error", "error", errMsg)
		s.publish("transport error")
		return
	}
	s.state.Status = StatusDisconnected
	s.log.Info("session_disconnected")
	s.publish("transport close")
}

func (s *Session) violation(err error, raw string) {
	s.log.Warn("session_protocol_violation", "error", err, "frame", redact.Frame(raw))
	s.record(metrics.EventProtocolViolation, 0, map[string]string{metrics.TagReason: string(errorsx.Reason(err))}, nil)
	s.state.LastError = err.Error()
	s.publish("protocol violation")
}

// route applies one inbound event. Every event supersedes a pending legacy
// speaking timer.
func (s *Session) route(ev protocol.Event) {
	s.disarm(&s.legacy)

	switch e := ev.(type) {
	case protocol.Transcribing:
		s.state.Status = statusOr(e.Status, StatusTranscribing)

	case protocol.TranscriptionReady:
		s.state.Transcript = e.TranscribedText
		s.state.Question = e.TranscribedText
		s.state.Status = statusOr(e.Status, StatusProcessing)
		s.log.Info("session_transcript_ready", "transcript", s.redact(e.TranscribedText))
		s.record(metrics.EventTranscriptReady, float64(len(e.TranscribedText)), nil, map[string]any{"text": e.TranscribedText})

	case protocol.TextResponse:
		s.state.ResponseText = e.Text
		s.state.Status = statusOr(e.Status, StatusProcessing)
		s.log.Info("session_response_text", "text", s.redact(e.Text))
		s.record(metrics.EventResponseText, float64(len(e.Text)), nil, map[string]any{"text": e.Text})

	case protocol.AudioReady:
		s.state.Status = statusOr(e.Status, StatusProcessing)
		s.audioReady(e)

	case protocol.AnimationReady:
		s.state.Status = statusOr(e.Status, StatusCompleted)
		s.animationReady(e)

	case protocol.AudioStreamStart:
		if s.reassembler.Start(stream.Meta{Length: e.AudioLength, ContentType: e.ContentType}) {
			s.log.Warn("session_stream_restarted", "reason", "previous transfer incomplete")
		}
		s.state.Status = StatusReceivingAudio
		s.record(metrics.EventStreamStarted, 0, map[string]string{metrics.TagKind: e.ContentType}, nil)

	case protocol.AudioChunk:
		err := s.reassembler.Append(stream.Chunk{Data: e.ChunkData, Index: e.ChunkIndex, Last: e.IsLast})
		if err != nil {
			s.log.Warn("session_chunk_ignored", "error", err, "chunk_index", indexAttr(e.ChunkIndex))
			s.record(metrics.EventProtocolViolation, 0, map[string]string{metrics.TagReason: "chunk_without_start"}, nil)
			return
		}
		s.record(metrics.EventStreamChunk, float64(len(e.ChunkData)), nil, nil)
		// chunks carry no status; only re-arm the watchdog
		s.syncWatchdog()
		return

	case protocol.AudioStreamComplete:
		s.state.Status = StatusCompleted
		s.streamComplete()

	case protocol.ServerError:
		msg := e.Message
		if msg == "" {
			msg = "server error"
		}
		s.log.Error("session_server_error", "message", msg, "reason_code", string(errorsx.ReasonServerError))
		s.record(metrics.EventServerError, 0, nil, map[string]any{"message": msg})
		s.state.Status = StatusError
		s.state.LastError = msg
		s.state.Speaking = false
		s.abortRecording()
		s.state.Recording = false

	case protocol.UnknownEvent:
		reply := e.ReplyText()
		kind := e.Type()
		if kind == "" {
			kind = "untyped"
		}
		s.log.Info("session_legacy_reply", "type", kind, "text", s.redact(reply))
		s.record(metrics.EventLegacyReply, float64(len(reply)), map[string]string{metrics.TagKind: kind}, map[string]any{"text": reply})
		s.state.ResponseText = reply
		s.state.Speaking = true
		s.state.Status = StatusSpeaking
		s.arm(&s.legacy, s.cfg.LegacySpeaking, func() {
			s.state.Speaking = false
			s.state.Status = StatusIdle
			s.publish("legacy speaking elapsed")
		})
	}
	reason := ev.Type()
	if reason == "" {
		reason = "legacy reply"
	}
	s.publish(reason)
}

func (s *Session) audioReady(e protocol.AudioReady) {
	format := e.AudioFormat
	if format == "" {
		format = s.cfg.DefaultAudioFormat
	}
	switch {
	case e.AudioData != "":
		raw, err := media.Decode(e.AudioData)
		if err != nil {
			s.decodeFailed(err)
			return
		}
		s.record(metrics.EventAudioReady, float64(len(raw)), map[string]string{metrics.TagSource: "inline"}, nil)
		s.install(media.BuildPlayable(raw, format))
	case e.AudioURL != "":
		ref := media.ResolveURL(s.httpBase, e.AudioURL)
		s.log.Info("session_audio_url", "url", redact.URL(ref))
		s.record(metrics.EventAudioReady, 0, map[string]string{metrics.TagSource: "url"}, nil)
		s.install(media.NewRemotePlayable(ref, format))
	default:
		s.log.Warn("session_audio_ready_without_media")
	}
}

func (s *Session) animationReady(e protocol.AnimationReady) {
	if e.VideoStreamURL == "" {
		// no stream for this reply; drop the previous one
		if s.state.VideoURL != "" && s.video != nil {
			if err := s.video.Stop(); err != nil {
				s.log.Debug("session_video_stop_failed", "error", err)
			}
		}
		s.state.VideoURL = ""
		return
	}
	ref := media.ResolveURL(s.httpBase, e.VideoStreamURL)
	s.state.VideoURL = ref
	s.record(metrics.EventVideoReady, 0, nil, map[string]any{"url": redact.URL(ref)})
	if s.video == nil {
		return
	}
	if err := s.video.PlayVideo(s.ctx, ref); err != nil {
		s.log.Warn("session_video_play_failed", "url", redact.URL(ref), "error", err)
	}
}

func (s *Session) streamComplete() {
	payload, err := s.reassembler.Complete()
	if err != nil {
		s.log.Warn("session_stream_complete_ignored", "error", err)
		s.record(metrics.EventProtocolViolation, 0, map[string]string{metrics.TagReason: "complete_without_start"}, nil)
		return
	}
	raw, err := media.Decode(payload.Encoded)
	if err != nil {
		s.decodeFailed(err)
		return
	}
	if l := payload.Meta.Length; l != nil && *l != len(raw) {
		s.log.Warn("session_stream_length_mismatch", "announced", *l, "received", len(raw))
	}
	s.record(metrics.EventStreamCompleted, float64(len(raw)), map[string]string{
		metrics.TagSource: "stream",
		metrics.TagKind:   strconv.Itoa(payload.Fragments),
	}, nil)
	format := media.SubtypeFromContentType(payload.Meta.ContentType)
	if format == "" {
		format = s.cfg.DefaultAudioFormat
	}
	s.install(media.BuildPlayable(raw, format))
}

func (s *Session) decodeFailed(err error) {
	s.log.Warn("session_audio_decode_failed", "error", err, "reason_code", string(errorsx.ReasonDecode))
	s.record(metrics.EventDecodeError, 0, nil, nil)
	s.state.AudioSupported = false
	s.state.Status = StatusError
	s.state.LastError = err.Error()
}

// install makes p the only live handle and hands it to the playback sink.
func (s *Session) install(p *media.Playable) {
	if !s.state.AudioSupported {
		s.log.Info("session_playback_skipped", "reason", "audio unsupported", "handle_id", p.ID)
		p.Release()
		return
	}
	if s.current != nil {
		s.current.Release()
	}
	s.current = p
	if s.playback == nil {
		return
	}
	if err := s.playback.Play(s.ctx, p); err != nil {
		s.log.Warn("session_playback_start_failed", "handle_id", p.ID, "error", errorsx.Wrap(err, errorsx.ReasonPlayback))
		s.state.AudioSupported = false
		s.state.LastError = err.Error()
	}
}

// stopMedia stops and releases the live handle, if any.
func (s *Session) stopMedia() {
	if s.current == nil {
		return
	}
	if s.playback != nil {
		if err := s.playback.Stop(); err != nil {
			s.log.Debug("session_playback_stop_failed", "error", err)
		}
	}
	s.current.Release()
	s.current = nil
}

func (s *Session) handlePlayback(ev PlaybackEvent) {
	if s.current == nil || ev.HandleID != s.current.ID {
		s.log.Debug("session_stale_playback_event", "kind", ev.Kind, "handle_id", ev.HandleID)
		return
	}
	tags := map[string]string{metrics.TagKind: s.current.MIME}
	switch ev.Kind {
	case PlaybackStarted:
		s.disarm(&s.legacy)
		s.state.Speaking = true
		s.state.Status = StatusSpeaking
		s.record(metrics.EventPlaybackStarted, 0, tags, nil)
	case PlaybackEnded:
		s.state.Speaking = false
		s.state.Status = StatusIdle
		s.current.Release()
		s.current = nil
		s.record(metrics.EventPlaybackEnded, 0, tags, nil)
	case PlaybackFailed:
		msg := "playback failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.log.Warn("session_playback_failed", "handle_id", ev.HandleID, "error", msg, "reason_code", string(errorsx.ReasonPlayback))
		s.state.Speaking = false
		s.state.Status = StatusError
		s.state.AudioSupported = false
		s.state.LastError = msg
		s.current.Release()
		s.current = nil
		s.record(metrics.EventPlaybackFailed, 0, tags, nil)
	default:
		return
	}
	s.publish("playback " + string(ev.Kind))
}

// abortRecording stops the device and drops whatever it captured.
func (s *Session) abortRecording() {
	s.recGen++
	if s.recording == nil {
		return
	}
	rec := s.recording
	s.recording = nil
	go func() {
		if _, err := rec.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
			s.log.Debug("session_recording_abort_failed", "error", err)
		}
	}()
	s.log.Info("session_recording_aborted")
}

func statusOr(raw string, fallback Status) Status {
	if raw == "" {
		return fallback
	}
	return Status(raw)
}

func reasonOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func indexAttr(idx *int) any {
	if idx == nil {
		return nil
	}
	return *idx
}
