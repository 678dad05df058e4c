package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound message discriminants.
const (
	TypeTextQuestion          = "text_question"
	TypeVoiceQuestion         = "voice_question"
	TypeRequestStreamingAudio = "request_streaming_audio"
)

// Intent is one outbound message. Each encodes to exactly one text frame.
type Intent interface {
	Type() string
	isIntent()
}

type TextQuestion struct {
	Question string
}

func (TextQuestion) Type() string { return TypeTextQuestion }
func (TextQuestion) isIntent()    {}

// VoiceQuestion carries recorded audio already encoded as base64.
type VoiceQuestion struct {
	AudioData string
}

func (VoiceQuestion) Type() string { return TypeVoiceQuestion }
func (VoiceQuestion) isIntent()    {}

type StreamingAudioRequest struct {
	Question string
}

func (StreamingAudioRequest) Type() string { return TypeRequestStreamingAudio }
func (StreamingAudioRequest) isIntent()    {}

// EncodeIntent renders an intent as its JSON wire form.
func EncodeIntent(in Intent) ([]byte, error) {
	switch v := in.(type) {
	case TextQuestion:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Question string `json:"question"`
		}{v.Type(), v.Question})
	case VoiceQuestion:
		return json.Marshal(struct {
			Type      string `json:"type"`
			AudioData string `json:"audio_data"`
		}{v.Type(), v.AudioData})
	case StreamingAudioRequest:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Question string `json:"question"`
		}{v.Type(), v.Question})
	case nil:
		return nil, fmt.Errorf("protocol: nil intent")
	default:
		return nil, fmt.Errorf("protocol: unsupported intent %T", in)
	}
}
