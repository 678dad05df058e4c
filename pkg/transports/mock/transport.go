package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/avatarlink/pkg/frames"
	"github.com/harunnryd/avatarlink/pkg/transports"
)

// Transport is an in-memory transport for tests and offline runs.
// It follows the transports.Transport frame contract unless Inject is used.
type Transport struct {
	mu         sync.Mutex
	recvCh     chan frames.Frame
	sent       []frames.Frame
	state      int
	connectErr error
	sendErr    error
	holdOpen   bool
	chClosed   bool
	address    string
	connects   int
}

const (
	stateIdle = iota
	stateOpen
	stateClosed
)

func New() *Transport {
	return &Transport{recvCh: make(chan frames.Frame, 256)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// FailConnect makes the next Connect fail with err.
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

// FailSend makes every Send fail with err until reset with nil.
func (t *Transport) FailSend(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// HoldChannelOpen keeps Recv open after the terminal frame so tests can
// Inject frames a misbehaving transport might still deliver.
func (t *Transport) HoldChannelOpen() {
	t.mu.Lock()
	t.holdOpen = true
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context, address string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return transports.NewConnectionError(address, err)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	t.address = address
	if t.state != stateIdle {
		return transports.NewConnectionError(address, errors.New("transport already used"))
	}
	if t.connectErr != nil {
		t.state = stateClosed
		t.closeChLocked()
		return transports.NewConnectionError(address, t.connectErr)
	}
	t.state = stateOpen
	t.recvCh <- frames.NewSystemFrame("", 0, frames.SystemOpen, map[string]string{frames.MetaRemote: address})
	return nil
}

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateOpen {
		return transports.ErrNotConnected
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, f)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case stateIdle:
		t.state = stateClosed
		t.closeChLocked()
	case stateOpen:
		t.terminateLocked(frames.SystemClose, nil)
	}
	return nil
}

// PushText delivers an inbound text message while the transport is open.
func (t *Transport) PushText(text string) bool {
	return t.Push(frames.NewTextFrame("", 0, text, nil))
}

// Push delivers an inbound frame while the transport is open. It reports
// false when the frame was dropped because the stream already ended.
func (t *Transport) Push(f frames.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateOpen {
		return false
	}
	t.recvCh <- f
	return true
}

// Inject delivers a frame regardless of lifecycle state, as long as the
// channel is still open.
func (t *Transport) Inject(f frames.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chClosed {
		return false
	}
	t.recvCh <- f
	return true
}

// Disconnect simulates the server closing the connection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateOpen {
		t.terminateLocked(frames.SystemClose, nil)
	}
}

// Fail simulates a connection error.
func (t *Transport) Fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateOpen {
		t.terminateLocked(frames.SystemError, map[string]string{frames.MetaError: message})
	}
}

func (t *Transport) terminateLocked(name string, meta map[string]string) {
	t.state = stateClosed
	t.recvCh <- frames.NewSystemFrame("", 0, name, meta)
	if !t.holdOpen {
		t.closeChLocked()
	}
}

func (t *Transport) closeChLocked() {
	if !t.chClosed {
		t.chClosed = true
		close(t.recvCh)
	}
}

// Sent returns a copy of every frame accepted by Send.
func (t *Transport) Sent() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

// SentTexts returns the text payloads of accepted frames.
func (t *Transport) SentTexts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sent))
	for _, f := range t.sent {
		if tf, ok := f.(frames.TextFrame); ok {
			out = append(out, tf.Text())
		}
	}
	return out
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateOpen
}

func (t *Transport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}
