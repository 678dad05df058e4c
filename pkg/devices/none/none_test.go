package none

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/avatarlink/pkg/media"
	"github.com/harunnryd/avatarlink/pkg/session"
	"github.com/stretchr/testify/require"
)

func TestPlaybackStartsAndEnds(t *testing.T) {
	p := NewPlayback(10 * time.Millisecond)
	h := media.BuildPlayable([]byte("a"), "mp3")
	require.NoError(t, p.Play(context.Background(), h))

	require.Equal(t, session.PlaybackEvent{Kind: session.PlaybackStarted, HandleID: h.ID}, <-p.Events())
	require.Equal(t, session.PlaybackEvent{Kind: session.PlaybackEnded, HandleID: h.ID}, <-p.Events())
}

func TestPlaybackStopSuppressesEnd(t *testing.T) {
	p := NewPlayback(time.Hour)
	h := media.BuildPlayable([]byte("a"), "mp3")
	require.NoError(t, p.Play(context.Background(), h))
	require.Equal(t, session.PlaybackStarted, (<-p.Events()).Kind)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestVideoIsNoop(t *testing.T) {
	var v Video
	require.NoError(t, v.PlayVideo(context.Background(), "http://localhost:8000/v"))
	require.NoError(t, v.Stop())
}
