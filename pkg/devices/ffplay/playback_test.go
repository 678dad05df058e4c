package ffplay

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/media"
	"github.com/harunnryd/avatarlink/pkg/session"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, contents string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "ffplay.sh")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o755))
	return path
}

func nextEvent(t *testing.T, p *Playback) session.PlaybackEvent {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for playback event")
	}
	return session.PlaybackEvent{}
}

func TestPlaybackReportsStartAndEnd(t *testing.T) {
	out := filepath.Join(t.TempDir(), "played.bin")
	script := writeScript(t, "#!/bin/sh\ncat > "+out+"\n")
	p := NewPlayback(Config{Binary: script})
	t.Cleanup(func() { _ = p.Close() })

	h := media.BuildPlayable([]byte("ID3-audio"), "mp3")
	require.NoError(t, p.Play(context.Background(), h))
	h.Release()

	require.Equal(t, session.PlaybackEvent{Kind: session.PlaybackStarted, HandleID: h.ID}, nextEvent(t, p))
	require.Equal(t, session.PlaybackEvent{Kind: session.PlaybackEnded, HandleID: h.ID}, nextEvent(t, p))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "ID3-audio", string(got))
}

func TestPlaybackReportsFailure(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho 'Invalid data found' 1>&2\nexit 1\n")
	p := NewPlayback(Config{Binary: script})
	t.Cleanup(func() { _ = p.Close() })

	h := media.NewRemotePlayable("http://localhost:8000/audio/1.mp3", "mp3")
	require.NoError(t, p.Play(context.Background(), h))

	require.Equal(t, session.PlaybackStarted, nextEvent(t, p).Kind)
	ev := nextEvent(t, p)
	require.Equal(t, session.PlaybackFailed, ev.Kind)
	require.Equal(t, h.ID, ev.HandleID)
	require.ErrorContains(t, ev.Err, "Invalid data found")
	require.True(t, errorsx.HasReason(ev.Err, errorsx.ReasonPlayback))
}

func TestPlaybackStopSuppressesEnd(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexec sleep 5\n")
	p := NewPlayback(Config{Binary: script, StopTimeout: time.Second})
	t.Cleanup(func() { _ = p.Close() })

	h := media.NewRemotePlayable("http://localhost:8000/a.mp3", "mp3")
	require.NoError(t, p.Play(context.Background(), h))
	require.Equal(t, session.PlaybackStarted, nextEvent(t, p).Kind)
	require.NoError(t, p.Stop())

	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event after stop: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPlaybackRejectsReleasedHandle(t *testing.T) {
	p := NewPlayback(Config{Binary: "ffplay"})
	h := media.BuildPlayable([]byte("x"), "mp3")
	h.Release()
	err := p.Play(context.Background(), h)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonPlayback))
}

func TestPlaybackMissingBinary(t *testing.T) {
	p := NewPlayback(Config{Binary: filepath.Join(t.TempDir(), "missing")})
	err := p.Play(context.Background(), media.BuildPlayable([]byte("x"), "wav"))
	require.Error(t, err)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonPlayback))
}

func TestVideoSwitchesStreams(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexec sleep 5\n")
	v := NewVideo(Config{Binary: script})
	t.Cleanup(func() { _ = v.Stop() })

	require.NoError(t, v.PlayVideo(context.Background(), "http://localhost:8000/video/1"))
	first := v.cur
	require.NoError(t, v.PlayVideo(context.Background(), "http://localhost:8000/video/1"))
	require.Same(t, first, v.cur)

	require.NoError(t, v.PlayVideo(context.Background(), "http://localhost:8000/video/2"))
	require.NotSame(t, first, v.cur)
	select {
	case <-first.exited:
	case <-time.After(time.Second):
		t.Fatalf("previous video process still running")
	}
	require.Error(t, v.PlayVideo(context.Background(), " "))
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings("devices.playback.settings", map[string]any{"volume": "70", "extra_args": "-fast"})
	require.NoError(t, err)
	require.Equal(t, 70, cfg.Volume)
	require.Equal(t, "ffplay", cfg.Binary)
	require.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-nostats", "-nodisp", "-autoexit", "-volume", "70", "-fast", "-i", "-"}, cfg.audioArgs("-"))
}

func TestPlaybackStopWithUndrainedEvents(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexec sleep 5\n")
	p := NewPlayback(Config{Binary: script, StopTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = p.Close() })

	for len(p.events) < cap(p.events) {
		p.events <- session.PlaybackEvent{Kind: session.PlaybackEnded, HandleID: "stale"}
	}

	h := media.NewRemotePlayable("http://localhost:8000/a.mp3", "mp3")
	require.NoError(t, p.Play(context.Background(), h))
	require.Eventually(t, func() bool { return p.Dropped() == 1 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop())
	require.Less(t, time.Since(start), time.Second)
}
