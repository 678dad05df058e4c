package session

// Status is the single conversational status shown to the user and used to
// gate input.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusConnected           Status = "connected"
	StatusDisconnected        Status = "disconnected"
	StatusRecording           Status = "recording"
	StatusProcessingVoice     Status = "processing_voice"
	StatusTranscribing        Status = "transcribing"
	StatusTranscribingAudio   Status = "transcribing_audio"
	StatusProcessingResponse  Status = "processing_response"
	StatusProcessing          Status = "processing"
	StatusProcessingAudio     Status = "processing_audio"
	StatusProcessingAnimation Status = "processing_animation"
	StatusStreamingAudio      Status = "streaming_audio"
	StatusReceivingAudio      Status = "receiving_audio"
	StatusSpeaking            Status = "speaking"
	StatusCompleted           Status = "completed"
	StatusError               Status = "error"
)

var busy = map[Status]struct{}{
	StatusProcessing:          {},
	StatusRecording:           {},
	StatusProcessingVoice:     {},
	StatusTranscribing:        {},
	StatusTranscribingAudio:   {},
	StatusProcessingResponse:  {},
	StatusProcessingAudio:     {},
	StatusProcessingAnimation: {},
	StatusReceivingAudio:      {},
}

// IsBusy reports whether new questions and recordings must be refused.
func (s Status) IsBusy() bool {
	_, ok := busy[s]
	return ok
}

// waiting reports statuses in which the session waits on the server and the
// idle watchdog applies.
func (s Status) waiting() bool {
	switch s {
	case StatusReceivingAudio, StatusTranscribing, StatusTranscribingAudio:
		return true
	}
	return false
}

// Label is the human readable text for a status. Statuses the client does
// not know read as idle.
func (s Status) Label() string {
	switch s {
	case StatusRecording:
		return "Recording..."
	case StatusProcessingVoice:
		return "Processing voice..."
	case StatusTranscribing:
		return "Transcribing audio..."
	case StatusTranscribingAudio:
		return "Converting speech to text..."
	case StatusProcessingResponse:
		return "Generating response..."
	case StatusProcessing:
		return "Processing..."
	case StatusProcessingAudio:
		return "Generating speech..."
	case StatusProcessingAnimation:
		return "Creating animation..."
	case StatusStreamingAudio:
		return "Streaming audio..."
	case StatusReceivingAudio:
		return "Receiving audio..."
	case StatusSpeaking:
		return "Speaking..."
	case StatusCompleted:
		return "Ready"
	case StatusError:
		return "Error occurred"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Idle"
	}
}

func (s Status) String() string { return string(s) }
