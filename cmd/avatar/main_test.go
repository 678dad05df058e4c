package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks the avatar protocol: every text question is answered
// with a reply, inline audio and an animation URL.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"healthy"}`)
	})
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		_ = json.NewEncoder(w).Encode(map[string]string{"transcribed_text": "heard " + string(data)})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]string
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["type"] {
			case "text_question":
				_ = conn.WriteJSON(map[string]string{"type": "text_response", "text": "Paris."})
				_ = conn.WriteJSON(map[string]string{"type": "animation_ready", "video_stream_url": "/video/1"})
				_ = conn.WriteJSON(map[string]string{"type": "audio_ready", "audio_data": "QUI=", "audio_format": "wav"})
			case "request_streaming_audio":
				_ = conn.WriteJSON(map[string]any{"type": "audio_stream_start", "content_type": "audio/mpeg"})
				_ = conn.WriteJSON(map[string]any{"type": "audio_chunk", "chunk_data": "QQ==", "chunk_index": 0})
				_ = conn.WriteJSON(map[string]any{"type": "audio_chunk", "chunk_data": "Qg==", "chunk_index": 1, "is_last": true})
				_ = conn.WriteJSON(map[string]any{"type": "audio_stream_complete"})
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestHealthCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "", "health", "--server", hostOf(srv), "--log-level", "error")
	require.NoError(t, err)
	require.Equal(t, srv.URL+" healthy\n", out)
}

func TestTranscribeCommand(t *testing.T) {
	srv := fakeServer(t)
	file := filepath.Join(t.TempDir(), "clip.webm")
	require.NoError(t, os.WriteFile(file, []byte("opus"), 0o644))

	out, err := run(t, "", "transcribe", file, "-s", hostOf(srv), "--log-level", "error")
	require.NoError(t, err)
	require.Equal(t, "heard opus\n", out)
}

func TestAskCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "", "ask", "--headless", "-s", hostOf(srv), "--log-level", "error", "What", "is", "the", "capital?")
	require.NoError(t, err)
	require.Contains(t, out, "Paris.\n")
	require.Contains(t, out, "video: "+srv.URL+"/video/1\n")
}

func TestAskStreamCommand(t *testing.T) {
	srv := fakeServer(t)
	_, err := run(t, "", "ask", "--stream", "--headless", "-s", hostOf(srv), "--log-level", "error", "sing")
	require.NoError(t, err)
}

func TestAskConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := hostOf(srv)
	srv.Close()
	_, err := run(t, "", "ask", "--headless", "-s", addr, "--log-level", "error", "hello")
	require.Error(t, err)
}

func TestChatCommand(t *testing.T) {
	srv := fakeServer(t)
	journalPath := filepath.Join(t.TempDir(), "journal.db")
	cfgPath := filepath.Join(t.TempDir(), "avatar.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("observability:\n  journal_path: "+journalPath+"\n"), 0o644))

	// stdin ends after /status; EOF closes the chat like /quit would
	out, err := run(t, "/status\n", "chat", "--no-banner", "--headless", "-c", cfgPath, "-s", hostOf(srv), "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "Type a question")

	var sessionID string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "session:"); ok {
			sessionID = strings.TrimSpace(rest)
		}
	}
	require.NotEmpty(t, sessionID)

	out, err = run(t, "", "history", "-c", cfgPath, "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "SENT")
	require.NotContains(t, out, "session "+sessionID)

	out, err = run(t, "", "history", "-c", cfgPath, "--session", sessionID, "--log-level", "error")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "session "+sessionID+" connected "), out)
	require.Contains(t, out, " ended ")

	_, err = run(t, "", "history", "-c", cfgPath, "--session", "nope", "--log-level", "error")
	require.ErrorContains(t, err, "not found")
}

func TestHistoryRequiresJournal(t *testing.T) {
	_, err := run(t, "", "history", "--log-level", "error")
	require.ErrorContains(t, err, "journal_path")
}
