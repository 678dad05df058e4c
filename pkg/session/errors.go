package session

import (
	"errors"
	"fmt"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
)

var (
	// ErrNotReady is returned for actions attempted while disconnected or busy.
	ErrNotReady     = errors.New("session: not ready")
	ErrNotRecording = errors.New("session: not recording")
	ErrEmptyInput   = errors.New("session: empty input")
	ErrClosed       = errors.New("session: closed")
	ErrStarted      = errors.New("session: already started")
)

func notReady(format string, args ...any) error {
	return errorsx.Wrap(fmt.Errorf("%w: %s", ErrNotReady, fmt.Sprintf(format, args...)), errorsx.ReasonNotReady)
}
