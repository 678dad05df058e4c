// Package websocket is the gorilla/websocket client transport.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/frames"
	"github.com/harunnryd/avatarlink/pkg/transports"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024
	DefaultCloseGracePeriod = 5 * time.Second
	DefaultBuffer           = 256
)

type Config struct {
	Path             string        `mapstructure:"path"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	CloseGracePeriod time.Duration `mapstructure:"close_grace_period"`
	Buffer           int           `mapstructure:"buffer"`
	Header           http.Header   `mapstructure:"-"`
	SessionID        string        `mapstructure:"-"`
	Logger           *slog.Logger  `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = transports.DefaultPath
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseGracePeriod <= 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

const (
	stateIdle int32 = iota
	stateOpen
	stateClosed
)

// Transport is single use: one Connect, one Close.
type Transport struct {
	cfg Config
	pts *frames.PTSGen

	mu       sync.Mutex
	conn     *websocket.Conn
	endpoint transports.Endpoint

	writeMu   sync.Mutex
	state     atomic.Int32
	local     atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	recvCh    chan frames.Frame
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		pts:    frames.NewPTSGen(),
		done:   make(chan struct{}),
		recvCh: make(chan frames.Frame, cfg.Buffer),
	}
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// Endpoint returns the normalized address of the last Connect.
func (t *Transport) Endpoint() transports.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

func (t *Transport) Connect(ctx context.Context, address string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Load() != stateIdle {
		return transports.NewConnectionError(address, errors.New("transport already used"))
	}

	ep, err := transports.NormalizeAddress(address, t.cfg.Path)
	if err != nil {
		t.abort()
		return transports.NewConnectionError(address, err)
	}
	t.endpoint = ep

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, ep.WebSocketURL, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		t.abort()
		return transports.NewConnectionError(ep.WebSocketURL, err)
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	t.conn = conn
	t.state.Store(stateOpen)

	t.recvCh <- frames.NewSystemFrame(t.cfg.SessionID, t.pts.Next(t.cfg.SessionID), frames.SystemOpen, map[string]string{
		frames.MetaRemote: ep.WebSocketURL,
	})
	t.cfg.Logger.Info("transport_connected", "url", ep.WebSocketURL)
	go t.readLoop(conn)
	return nil
}

// abort closes the receive channel of a transport that never opened.
func (t *Transport) abort() {
	if t.state.CompareAndSwap(stateIdle, stateClosed) {
		t.closeOnce.Do(func() { close(t.done) })
		close(t.recvCh)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	if t.state.Load() != stateOpen {
		return transports.ErrNotConnected
	}
	var (
		msgType int
		payload []byte
	)
	switch v := f.(type) {
	case frames.TextFrame:
		msgType, payload = websocket.TextMessage, []byte(v.Text())
	case frames.BinaryFrame:
		msgType, payload = websocket.BinaryMessage, v.Data()
	default:
		return fmt.Errorf("websocket transport: unsupported frame kind %s", f.Kind())
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.state.Load() != stateOpen {
		return transports.ErrNotConnected
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
	if err := t.conn.WriteMessage(msgType, payload); err != nil {
		return errorsx.Wrap(fmt.Errorf("websocket write: %w", err), errorsx.ReasonTransportSend)
	}
	return nil
}

// Close sends a normal closure and tears the connection down. Safe to call
// more than once and before Connect.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.abort()
		return nil
	}
	if !t.state.CompareAndSwap(stateOpen, stateClosed) {
		return nil
	}
	t.local.Store(true)
	t.closeOnce.Do(func() { close(t.done) })

	t.writeMu.Lock()
	deadline := time.Now().Add(t.cfg.CloseGracePeriod)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer close(t.recvCh)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.finish(conn, err)
			return
		}
		sid := t.cfg.SessionID
		switch msgType {
		case websocket.TextMessage:
			t.emit(frames.NewTextFrame(sid, t.pts.Next(sid), string(data), nil))
		case websocket.BinaryMessage:
			t.emit(frames.NewBinaryFrame(sid, t.pts.Next(sid), data, nil))
		}
	}
}

// finish emits the single terminal frame.
func (t *Transport) finish(conn *websocket.Conn, readErr error) {
	t.state.Store(stateClosed)
	_ = conn.Close()

	sid := t.cfg.SessionID
	meta := map[string]string{}
	name := frames.SystemClose
	var ce *websocket.CloseError
	switch {
	case t.local.Load():
		meta[frames.MetaCloseCode] = strconv.Itoa(websocket.CloseNormalClosure)
	case errors.As(readErr, &ce):
		meta[frames.MetaCloseCode] = strconv.Itoa(ce.Code)
		if ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway {
			name = frames.SystemError
			meta[frames.MetaError] = ce.Error()
		}
	default:
		name = frames.SystemError
		meta[frames.MetaError] = readErr.Error()
	}
	if name == frames.SystemError {
		t.cfg.Logger.Warn("transport_error", "error", meta[frames.MetaError])
	} else {
		t.cfg.Logger.Info("transport_closed", "close_code", meta[frames.MetaCloseCode])
	}

	terminal := frames.NewSystemFrame(sid, t.pts.Next(sid), name, meta)
	timer := time.NewTimer(t.cfg.CloseGracePeriod)
	defer timer.Stop()
	select {
	case t.recvCh <- terminal:
	case <-timer.C:
		t.cfg.Logger.Warn("transport_terminal_frame_dropped", "name", name)
	}
}

// emit delivers a message frame unless the transport was closed locally.
func (t *Transport) emit(f frames.Frame) {
	select {
	case t.recvCh <- f:
	case <-t.done:
	}
}
