package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
)

var ErrMalformed = errors.New("protocol: malformed message")

// DecodeEvent parses one inbound text frame. Anything that is not a JSON
// object is rejected with the protocol_violation reason. An object without a
// usable string type is an old-format reply and arrives as UnknownEvent with
// an empty Kind.
func DecodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("%w: %v", ErrMalformed, err), errorsx.ReasonProtocolViolation)
	}
	typ, _ := envelope.Type.(string)
	typ = strings.TrimSpace(typ)

	switch typ {
	case TypeTranscribing:
		return decodeAs[Transcribing](typ, data)
	case TypeTranscriptionReady:
		return decodeAs[TranscriptionReady](typ, data)
	case TypeTextResponse:
		return decodeAs[TextResponse](typ, data)
	case TypeAudioReady:
		return decodeAs[AudioReady](typ, data)
	case TypeAnimationReady:
		return decodeAs[AnimationReady](typ, data)
	case TypeAudioStreamStart:
		return decodeAs[AudioStreamStart](typ, data)
	case TypeAudioChunk:
		return decodeAs[AudioChunk](typ, data)
	case TypeAudioStreamComplete:
		return AudioStreamComplete{}, nil
	case TypeError:
		return decodeAs[ServerError](typ, data)
	default:
		var legacy struct {
			Text     any `json:"text"`
			Response any `json:"response"`
		}
		_ = json.Unmarshal(data, &legacy)
		return UnknownEvent{
			Kind:     typ,
			Text:     looseString(legacy.Text),
			Response: looseString(legacy.Response),
			Raw:      append(json.RawMessage(nil), data...),
		}, nil
	}
}

func decodeAs[T Event](typ string, data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("%w: decode %s: %v", ErrMalformed, typ, err), errorsx.ReasonProtocolViolation)
	}
	return ev, nil
}

// looseString renders whatever a legacy server put in a reply field.
func looseString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
