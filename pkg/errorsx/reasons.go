package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConnect       ReasonCode = "connect"
	ReasonTransportSend ReasonCode = "transport_send"
	ReasonNotReady      ReasonCode = "not_ready"

	ReasonDecode            ReasonCode = "decode"
	ReasonProtocolViolation ReasonCode = "protocol_violation"
	ReasonServerError       ReasonCode = "server_error"

	ReasonCapture  ReasonCode = "capture"
	ReasonPlayback ReasonCode = "playback"
	ReasonTimeout  ReasonCode = "timeout"

	ReasonBackendHTTP ReasonCode = "backend_http"
	ReasonConfig      ReasonCode = "config"
	ReasonStorage     ReasonCode = "storage"
)
