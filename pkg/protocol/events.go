// Package protocol defines the JSON messages exchanged with the avatar server.
package protocol

import (
	"encoding/json"
)

// Inbound message discriminants.
const (
	TypeTranscribing        = "transcribing"
	TypeTranscriptionReady  = "transcription_ready"
	TypeTextResponse        = "text_response"
	TypeAudioReady          = "audio_ready"
	TypeAnimationReady      = "animation_ready"
	TypeAudioStreamStart    = "audio_stream_start"
	TypeAudioChunk          = "audio_chunk"
	TypeAudioStreamComplete = "audio_stream_complete"
	TypeError               = "error"
)

// Event is one decoded inbound message. The set is closed; anything the
// decoder does not recognise arrives as UnknownEvent.
type Event interface {
	Type() string
	isEvent()
}

// Transcribing reports that the server started speech-to-text.
type Transcribing struct {
	Status string `json:"status,omitempty"`
}

func (Transcribing) Type() string { return TypeTranscribing }
func (Transcribing) isEvent()     {}

type TranscriptionReady struct {
	TranscribedText string `json:"transcribed_text,omitempty"`
	Status          string `json:"status,omitempty"`
}

func (TranscriptionReady) Type() string { return TypeTranscriptionReady }
func (TranscriptionReady) isEvent()     {}

type TextResponse struct {
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
}

func (TextResponse) Type() string { return TypeTextResponse }
func (TextResponse) isEvent()     {}

// AudioReady carries a whole synthesized reply, either inline (base64) or by reference.
type AudioReady struct {
	AudioData   string `json:"audio_data,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (AudioReady) Type() string { return TypeAudioReady }
func (AudioReady) isEvent()     {}

type AnimationReady struct {
	VideoStreamURL string `json:"video_stream_url,omitempty"`
	Text           string `json:"text,omitempty"`
	Status         string `json:"status,omitempty"`
}

func (AnimationReady) Type() string { return TypeAnimationReady }
func (AnimationReady) isEvent()     {}

// AudioStreamStart opens a chunked audio transfer. Both fields are advisory.
type AudioStreamStart struct {
	AudioLength *int   `json:"audio_length,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

func (AudioStreamStart) Type() string { return TypeAudioStreamStart }
func (AudioStreamStart) isEvent()     {}

type AudioChunk struct {
	ChunkData  string `json:"chunk_data"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	IsLast     bool   `json:"is_last,omitempty"`
}

func (AudioChunk) Type() string { return TypeAudioChunk }
func (AudioChunk) isEvent()     {}

type AudioStreamComplete struct{}

func (AudioStreamComplete) Type() string { return TypeAudioStreamComplete }
func (AudioStreamComplete) isEvent()     {}

// ServerError is the server's "error" message.
type ServerError struct {
	Message string `json:"message,omitempty"`
}

func (ServerError) Type() string { return TypeError }
func (ServerError) isEvent()     {}

// UnknownEvent is any message with an unrecognised type. Older servers send
// plain replies this way, with the reply in Text or Response.
type UnknownEvent struct {
	Kind     string
	Text     string
	Response string
	Raw      json.RawMessage
}

func (e UnknownEvent) Type() string { return e.Kind }
func (UnknownEvent) isEvent()       {}

// ReplyText returns the legacy reply: text first, then response.
func (e UnknownEvent) ReplyText() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Response
}
