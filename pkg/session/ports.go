package session

import (
	"context"

	"github.com/harunnryd/avatarlink/pkg/media"
)

// CaptureDevice starts microphone recordings.
type CaptureDevice interface {
	Start(ctx context.Context) (Recording, error)
}

// Recording is one capture in progress. Stop ends it and returns the
// encoded audio collected so far.
type Recording interface {
	Stop() ([]byte, error)
}

type PlaybackEventKind string

const (
	PlaybackStarted PlaybackEventKind = "started"
	PlaybackEnded   PlaybackEventKind = "ended"
	PlaybackFailed  PlaybackEventKind = "failed"
)

type PlaybackEvent struct {
	Kind     PlaybackEventKind
	HandleID string
	Err      error
}

// PlaybackSink plays audio handles. Play must not block for the duration of
// playback; progress is reported on Events.
type PlaybackSink interface {
	Play(ctx context.Context, p *media.Playable) error
	Stop() error
	Events() <-chan PlaybackEvent
}

// VideoSink shows the avatar's video stream.
type VideoSink interface {
	PlayVideo(ctx context.Context, url string) error
	Stop() error
}
