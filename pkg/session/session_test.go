package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/frames"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/transports"
	"github.com/harunnryd/avatarlink/pkg/transports/mock"
	"github.com/stretchr/testify/require"
)

func TestOpenSetsConnected(t *testing.T) {
	h := start(t, Config{})
	st := h.s.State()
	require.Equal(t, StatusConnected, st.Status)
	require.True(t, st.AudioSupported)
	require.NotEmpty(t, st.ID)
	require.Equal(t, "localhost", h.tr.Address())
	require.Equal(t, 1, h.obs.Count(metrics.EventConnected))
}

func TestTextResponseWithoutStatus(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"text_response","text":"Paris"}`)
	h.eventually(t, func(st State) bool { return st.ResponseText == "Paris" })
	require.Equal(t, StatusProcessing, h.s.State().Status)
}

func TestServerDrivenStatuses(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"transcribing","status":"transcribing_audio"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusTranscribingAudio })

	h.push(t, `{"type":"transcription_ready","transcribed_text":"what is the capital of France","status":"processing_response"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusProcessingResponse })
	st := h.s.State()
	require.Equal(t, "what is the capital of France", st.Transcript)
	require.Equal(t, "what is the capital of France", st.Question)

	h.push(t, `{"type":"transcribing"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusTranscribing })
}

func TestStreamedChunksDecodeAndPlay(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"audio_stream_start","audio_length":2,"content_type":"audio/mp3"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusReceivingAudio })
	h.push(t, `{"type":"audio_chunk","chunk_data":"QQ==","chunk_index":0}`)
	h.push(t, `{"type":"audio_chunk","chunk_data":"Qg==","chunk_index":1,"is_last":true}`)
	h.push(t, `{"type":"audio_stream_complete"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusCompleted })

	plays := h.pb.Plays()
	require.Len(t, plays, 1)
	require.Equal(t, []byte("AB"), plays[0].data)
	require.Equal(t, "audio/mp3", plays[0].mime)
	require.Equal(t, plays[0].id, h.s.State().MediaID)

	h.pb.emit(PlaybackStarted, plays[0].id)
	h.eventually(t, func(st State) bool { return st.Speaking && st.Status == StatusSpeaking })
	h.pb.emit(PlaybackEnded, plays[0].id)
	h.eventually(t, func(st State) bool { return !st.Speaking && st.Status == StatusIdle })
	require.Empty(t, h.s.State().MediaID)
	require.True(t, plays[0].h.Released())
}

func TestStreamWithZeroChunks(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"audio_stream_start"}`)
	h.push(t, `{"type":"audio_stream_complete"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusCompleted })
	plays := h.pb.Plays()
	require.Len(t, plays, 1)
	require.Empty(t, plays[0].data)
}

func TestCompleteWithoutStartIsTolerated(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"audio_chunk","chunk_data":"QQ=="}`)
	h.push(t, `{"type":"audio_stream_complete"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusCompleted })
	require.Empty(t, h.pb.Plays())
	require.Equal(t, 2, h.obs.Count(metrics.EventProtocolViolation))
	require.True(t, h.s.State().AudioSupported)
}

func TestLegacyFallback(t *testing.T) {
	h := start(t, Config{LegacySpeaking: 40 * time.Millisecond})
	var mu sync.Mutex
	var seen []Status
	h.s.Subscribe(ListenerFunc(func(ev StateChange) {
		if ev.StatusChanged() {
			mu.Lock()
			seen = append(seen, ev.To.Status)
			mu.Unlock()
		}
	}))

	h.push(t, `{"type":"legacy_ping","response":"hello"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusSpeaking })
	st := h.s.State()
	require.Equal(t, "hello", st.ResponseText)
	require.True(t, st.Speaking)
	require.Empty(t, st.MediaID)

	h.eventually(t, func(st State) bool { return st.Status == StatusIdle && !st.Speaking })
	require.Empty(t, h.pb.Plays())
	mu.Lock()
	require.Equal(t, []Status{StatusSpeaking, StatusIdle}, seen)
	mu.Unlock()
}

func TestLegacyFallbackWithoutType(t *testing.T) {
	h := start(t, Config{LegacySpeaking: 40 * time.Millisecond})

	h.push(t, `{"response":"hello from old server"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusSpeaking })
	st := h.s.State()
	require.Equal(t, "hello from old server", st.ResponseText)
	require.True(t, st.Speaking)
	require.Empty(t, st.LastError)

	h.eventually(t, func(st State) bool { return st.Status == StatusIdle && !st.Speaking })
	ev, ok := h.obs.Last(metrics.EventLegacyReply)
	require.True(t, ok)
	require.Equal(t, "untyped", ev.Tags[metrics.TagKind])
	require.Zero(t, h.obs.Count(metrics.EventProtocolViolation))
}

func TestLegacyTimerSupersededByNewEvent(t *testing.T) {
	h := start(t, Config{LegacySpeaking: 30 * time.Millisecond})
	h.push(t, `{"type":"reply","text":"old"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusSpeaking })
	h.push(t, `{"type":"text_response","text":"new","status":"processing_audio"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusProcessingAudio })
	time.Sleep(90 * time.Millisecond)
	require.Equal(t, StatusProcessingAudio, h.s.State().Status)
}

func TestCloseDuringReceivingAudioAbandonsTransfer(t *testing.T) {
	tr := mock.New()
	tr.HoldChannelOpen()
	h := startWith(t, tr, Config{})
	h.push(t, `{"type":"audio_stream_start"}`)
	h.push(t, `{"type":"audio_chunk","chunk_data":"QQ=="}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusReceivingAudio })

	tr.Disconnect()
	h.eventually(t, func(st State) bool { return st.Status == StatusDisconnected })
	require.True(t, tr.Inject(frames.NewTextFrame("", 0, `{"type":"audio_stream_complete"}`, nil)))
	h.settle(t)

	st := h.s.State()
	require.False(t, st.Connected)
	require.False(t, st.Speaking)
	require.Equal(t, StatusDisconnected, st.Status)
	require.Empty(t, h.pb.Plays())
	require.False(t, h.s.reassembler.Collecting())
}

func TestTransportErrorSurfaces(t *testing.T) {
	h := start(t, Config{})
	h.tr.Fail("connection reset")
	h.eventually(t, func(st State) bool { return st.Status == StatusError })
	st := h.s.State()
	require.False(t, st.Connected)
	require.Equal(t, "connection reset", st.LastError)
	require.Equal(t, 1, h.obs.Count(metrics.EventDisconnected))
}

func TestCloseRecordsDisconnect(t *testing.T) {
	h := start(t, Config{})
	require.NoError(t, h.s.Close())
	require.NoError(t, h.s.Close())

	st := h.s.State()
	require.False(t, st.Connected)
	require.Equal(t, StatusDisconnected, st.Status)
	require.Equal(t, 1, h.obs.Count(metrics.EventDisconnected))
	ev, _ := h.obs.Last(metrics.EventDisconnected)
	require.Equal(t, "closed", ev.Tags[metrics.TagReason])
}

func TestConnectFailure(t *testing.T) {
	tr := mock.New()
	tr.FailConnect(errors.New("refused"))
	s := New(Config{Address: "nowhere"}, tr, WithLogger(logging.Discard()))
	defer s.Close()

	err := s.Start(context.Background())
	var ce *transports.ConnectionError
	require.ErrorAs(t, err, &ce)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonConnect))
	require.Eventually(t, func() bool { return s.State().Status == StatusError }, time.Second, 5*time.Millisecond)
	require.Contains(t, s.State().LastError, "refused")
	require.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestMalformedFrameKeepsSessionUsable(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{not json`)
	h.eventually(t, func(st State) bool { return st.LastError != "" })
	require.Equal(t, StatusConnected, h.s.State().Status)

	h.push(t, `[1,2]`)
	h.push(t, `{"type":"text_response","text":"ok"}`)
	h.eventually(t, func(st State) bool { return st.ResponseText == "ok" })
	require.Equal(t, 2, h.obs.Count(metrics.EventProtocolViolation))
}

func TestServerErrorEvent(t *testing.T) {
	rec := &fakeRecording{data: []byte("voice")}
	h := start(t, Config{}, WithCapture(&fakeCapture{rec: rec}))
	require.NoError(t, h.s.StartRecording(context.Background()))
	h.eventually(t, func(st State) bool { return st.Recording })

	h.push(t, `{"type":"error","message":"tts unavailable"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusError })
	st := h.s.State()
	require.Equal(t, "tts unavailable", st.LastError)
	require.False(t, st.Recording)
	require.False(t, st.Speaking)
	require.Eventually(t, rec.Stopped, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.s.StopRecording(context.Background()), ErrNotRecording)
	require.Empty(t, h.tr.Sent())
}

func TestInlineAudioAndSingleLiveHandle(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"audio_ready","audio_data":"QUI=","audio_format":"wav","status":"processing_animation"}`)
	h.eventually(t, func(st State) bool { return st.MediaID != "" })
	first := h.pb.Plays()[0]
	require.Equal(t, "audio/wav", first.mime)
	require.Equal(t, StatusProcessingAnimation, h.s.State().Status)

	h.push(t, `{"type":"audio_ready","audio_data":"Qw=="}`)
	h.eventually(t, func(st State) bool { return st.MediaID != first.id })
	plays := h.pb.Plays()
	require.Len(t, plays, 2)
	require.True(t, plays[0].h.Released())
	require.False(t, plays[1].h.Released())
	require.Equal(t, "audio/mp3", plays[1].mime)
	require.Equal(t, StatusProcessing, h.s.State().Status)

	h.pb.emit(PlaybackEnded, first.id)
	h.settle(t)
	require.Equal(t, plays[1].id, h.s.State().MediaID)
	require.Equal(t, StatusProcessing, h.s.State().Status)
}

func TestAudioURLIsResolvedAgainstServer(t *testing.T) {
	h := start(t, Config{Address: "avatar.local"})
	h.push(t, `{"type":"audio_ready","audio_url":"/static/reply.mp3"}`)
	h.eventually(t, func(st State) bool { return st.MediaID != "" })
	require.Equal(t, "http://avatar.local:8000/static/reply.mp3", h.pb.Plays()[0].url)
}

func TestDecodeFailureDisablesAudio(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"audio_ready","audio_data":"!!!"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusError })
	require.False(t, h.s.State().AudioSupported)
	require.NotEmpty(t, h.s.State().LastError)

	h.push(t, `{"type":"audio_ready","audio_data":"QUI="}`)
	h.push(t, `{"type":"text_response","text":"still here"}`)
	h.eventually(t, func(st State) bool { return st.ResponseText == "still here" })
	require.Empty(t, h.pb.Plays())
}

func TestPlaybackFailureAndStaleEvents(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"audio_ready","audio_data":"QUI="}`)
	h.eventually(t, func(st State) bool { return st.MediaID != "" })
	id := h.pb.Plays()[0].id

	h.pb.emit(PlaybackStarted, "someone-else")
	h.settle(t)
	require.False(t, h.s.State().Speaking)

	h.pb.events <- PlaybackEvent{Kind: PlaybackFailed, HandleID: id, Err: errors.New("device busy")}
	h.eventually(t, func(st State) bool { return st.Status == StatusError })
	st := h.s.State()
	require.False(t, st.AudioSupported)
	require.False(t, st.Speaking)
	require.Equal(t, "device busy", st.LastError)
}

func TestPlayRejectionMarksAudioUnsupported(t *testing.T) {
	h := start(t, Config{})
	h.pb.mu.Lock()
	h.pb.playErr = errors.New("no output device")
	h.pb.mu.Unlock()
	h.push(t, `{"type":"audio_ready","audio_data":"QUI=","status":"processing_animation"}`)
	h.eventually(t, func(st State) bool { return !st.AudioSupported })
	require.Equal(t, StatusProcessingAnimation, h.s.State().Status)
}

func TestAnimationReady(t *testing.T) {
	video := &fakeVideo{}
	h := start(t, Config{}, WithVideo(video))
	h.push(t, `{"type":"animation_ready","video_stream_url":"http://cdn/avatar.m3u8"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusCompleted })
	require.Equal(t, "http://cdn/avatar.m3u8", h.s.State().VideoURL)
	require.Equal(t, []string{"http://cdn/avatar.m3u8"}, video.URLs())

	h.push(t, `{"type":"animation_ready","status":"completed"}`)
	h.eventually(t, func(st State) bool { return st.VideoURL == "" })
	require.Len(t, video.URLs(), 1)
	require.Equal(t, 1, video.Stops())

	// nothing was playing, so nothing to stop
	h.push(t, `{"type":"animation_ready"}`)
	h.settle(t)
	require.Equal(t, 1, video.Stops())
}

func TestIdleTimeout(t *testing.T) {
	h := start(t, Config{IdleTimeout: 40 * time.Millisecond})
	h.push(t, `{"type":"audio_stream_start"}`)
	h.push(t, `{"type":"audio_chunk","chunk_data":"QQ=="}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusError })
	require.Equal(t, "timed out waiting for server", h.s.State().LastError)
	require.False(t, h.s.reassembler.Collecting())
	require.Equal(t, 1, h.obs.Count(metrics.EventIdleTimeout))

	h.push(t, `{"type":"audio_stream_complete"}`)
	h.settle(t)
	require.Empty(t, h.pb.Plays())
}

func TestIdleTimeoutOffByDefault(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"transcribing"}`)
	h.eventually(t, func(st State) bool { return st.Status == StatusTranscribing })
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StatusTranscribing, h.s.State().Status)
}

func TestCloseIsIdempotentAndReleasesMedia(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"audio_ready","audio_data":"QUI="}`)
	h.eventually(t, func(st State) bool { return st.MediaID != "" })
	handle := h.pb.Plays()[0].h

	require.NoError(t, h.s.Close())
	require.NoError(t, h.s.Close())
	<-h.s.Done()
	st := h.s.State()
	require.Equal(t, StatusDisconnected, st.Status)
	require.Empty(t, st.MediaID)
	require.True(t, handle.Released())
	require.False(t, h.tr.Connected())
	require.ErrorIs(t, h.s.SubmitText(context.Background(), "hi"), ErrClosed)
}

func TestEventsCarrySessionTag(t *testing.T) {
	h := start(t, Config{})
	h.push(t, `{"type":"text_response","text":"hi"}`)
	h.eventually(t, func(st State) bool { return st.ResponseText == "hi" })
	ev, ok := h.obs.Last(metrics.EventResponseText)
	require.True(t, ok)
	require.Equal(t, h.s.ID(), ev.Tags[metrics.TagSessionID])
	require.Equal(t, "hi", ev.Fields["text"])
}

func sentTypes(t *testing.T, tr *mock.Transport) []map[string]string {
	t.Helper()
	var out []map[string]string
	for _, raw := range tr.SentTexts() {
		var m map[string]string
		require.NoError(t, json.Unmarshal([]byte(raw), &m))
		out = append(out, m)
	}
	return out
}
