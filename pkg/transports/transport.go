package transports

import (
	"context"
	"errors"
	"fmt"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/frames"
)

// Transport is one duplex connection to the avatar server.
//
// After a successful Connect the Recv channel yields exactly one open system
// frame, then message frames, then exactly one terminal system frame (close
// or error), and is then closed. If Connect fails or Close is called before
// Connect, the channel is closed without frames.
type Transport interface {
	Name() string
	Connect(ctx context.Context, address string) error
	Send(frames.Frame) error
	Close() error
	Recv() <-chan frames.Frame
}

// ErrNotConnected is returned by Send when the connection is not open.
var ErrNotConnected = errorsx.Wrap(errors.New("transport: not connected"), errorsx.ReasonTransportSend)

// ConnectionError reports a failed connect attempt.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError wraps cause with the connect reason, overriding any
// reason the cause already carries.
func NewConnectionError(address string, cause error) error {
	return errorsx.ReasonedError{Err: &ConnectionError{Address: address, Err: cause}, Reason: errorsx.ReasonConnect}
}
