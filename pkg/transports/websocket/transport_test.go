package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/frames"
	"github.com/harunnryd/avatarlink/pkg/transports"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades /ws, sends greeting, then echoes text frames until
// it reads "bye", at which point it closes normally.
func echoServer(t *testing.T, greeting string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if greeting != "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(greeting))
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if string(data) == "crash" {
				return
			}
			_ = conn.WriteMessage(mt, data)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func next(t *testing.T, ch <-chan frames.Frame) frames.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func requireClosed(t *testing.T, ch <-chan frames.Frame) {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.False(t, ok, "unexpected frame %v", f)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestConnectEchoAndServerClose(t *testing.T) {
	srv := echoServer(t, `{"type":"hello"}`)
	tr := New(Config{})
	require.NoError(t, tr.Connect(context.Background(), srv.URL))
	require.True(t, strings.HasPrefix(tr.Endpoint().WebSocketURL, "ws://"))

	open := next(t, tr.Recv()).(frames.SystemFrame)
	require.Equal(t, frames.SystemOpen, open.Name())

	greet := next(t, tr.Recv()).(frames.TextFrame)
	require.Equal(t, `{"type":"hello"}`, greet.Text())

	require.NoError(t, tr.Send(frames.NewTextFrame("", 0, `{"type":"text_question"}`, nil)))
	echo := next(t, tr.Recv()).(frames.TextFrame)
	require.Equal(t, `{"type":"text_question"}`, echo.Text())

	require.NoError(t, tr.Send(frames.NewTextFrame("", 0, "bye", nil)))
	term := next(t, tr.Recv()).(frames.SystemFrame)
	require.Equal(t, frames.SystemClose, term.Name())
	requireClosed(t, tr.Recv())

	err := tr.Send(frames.NewTextFrame("", 0, "late", nil))
	require.ErrorIs(t, err, transports.ErrNotConnected)
}

func TestAbruptDropIsError(t *testing.T) {
	srv := echoServer(t, "")
	tr := New(Config{})
	require.NoError(t, tr.Connect(context.Background(), srv.URL))
	next(t, tr.Recv())
	require.NoError(t, tr.Send(frames.NewTextFrame("", 0, "crash", nil)))
	term := next(t, tr.Recv()).(frames.SystemFrame)
	require.Equal(t, frames.SystemError, term.Name())
	require.NotEmpty(t, term.Err())
	requireClosed(t, tr.Recv())
}

func TestLocalCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t, "")
	tr := New(Config{})
	require.NoError(t, tr.Connect(context.Background(), srv.URL))
	next(t, tr.Recv())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	term := next(t, tr.Recv()).(frames.SystemFrame)
	require.Equal(t, frames.SystemClose, term.Name())
	requireClosed(t, tr.Recv())
}

func TestConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	tr := New(Config{DialTimeout: time.Second})
	err := tr.Connect(context.Background(), srv.URL)
	require.Error(t, err)
	var ce *transports.ConnectionError
	require.ErrorAs(t, err, &ce)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonConnect))
	requireClosed(t, tr.Recv())

	bad := New(Config{})
	require.Error(t, bad.Connect(context.Background(), "ftp://nowhere"))
	requireClosed(t, bad.Recv())
}

func TestSendBeforeConnect(t *testing.T) {
	tr := New(Config{})
	require.ErrorIs(t, tr.Send(frames.NewTextFrame("", 0, "x", nil)), transports.ErrNotConnected)
	require.NoError(t, tr.Close())
	requireClosed(t, tr.Recv())
}
