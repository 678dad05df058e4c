// Package avatar assembles a ready-to-run avatar client from configuration:
// transport, session, devices and the observability stack.
package avatar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/avatarlink/pkg/journal"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/observers"
	"github.com/harunnryd/avatarlink/pkg/redact"
	"github.com/harunnryd/avatarlink/pkg/session"
	"github.com/harunnryd/avatarlink/pkg/transports"
	"github.com/harunnryd/avatarlink/pkg/transports/rest"
	"github.com/harunnryd/avatarlink/pkg/transports/websocket"
)

type Options struct {
	Config  Config
	Devices *DeviceRegistry
	// Transport replaces the websocket transport, e.g. with transports/mock.
	Transport transports.Transport
	Logger    *slog.Logger
	Observers []metrics.Observer
}

type Client struct {
	cfg       Config
	log       *slog.Logger
	session   *session.Session
	transport transports.Transport
	rest      *rest.Client
	prom      *observers.PrometheusObserver
	journal   *journal.Journal
	timeline  *observers.TimelineObserver
	asyncObs  *metrics.AsyncObserver
	closers   []io.Closer
	drainOnce sync.Once
	drainErr  error
}

// NewClient builds every component but connects nothing; call Start.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	id := uuid.NewString()

	log.Info("avatar_init",
		"environment", cfg.Environment,
		"server", cfg.Server.Address,
		"capture", cfg.Devices.Capture.Provider,
		"playback", cfg.Devices.Playback.Provider,
		"video", cfg.Devices.Video.Provider,
		"session_id", id,
	)

	c := &Client{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = c.Drain()
		}
	}()

	restClient, err := rest.NewClient(cfg.Server.Address, log)
	if err != nil {
		return nil, err
	}
	c.rest = restClient

	c.prom = observers.NewPrometheusObserver("avatarlink")
	obsList := []metrics.Observer{
		observers.NewLatencyObserver(logging.NewComponentLogger(log, "latency"), c.prom.ObserveTurn),
		observers.NewLoggerObserver(logging.NewComponentLogger(log, "metrics")),
		c.prom,
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if keep := cfg.Retention(); keep > 0 {
			if n, err := observers.PurgeArtifacts(dir, keep); err != nil {
				log.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				log.Info("artifact_purged", "dir", dir, "removed", n)
			}
		}
		c.timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, c.timeline)
	}
	if path := strings.TrimSpace(cfg.Observability.JournalPath); path != "" {
		j, err := journal.Open(ctx, path, logging.NewComponentLogger(log, "journal"))
		if err != nil {
			return nil, err
		}
		c.journal = j
		if keep := cfg.Retention(); keep > 0 {
			if _, err := j.Prune(ctx, keep); err != nil {
				log.Warn("journal_prune_failed", "error", err)
			}
		}
		obsList = append(obsList, j)
	}
	obsList = append(obsList, opts.Observers...)
	c.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	devices := opts.Devices
	if devices == nil {
		devices = DefaultDevices()
	}
	devLog := logging.NewComponentLogger(log, "devices")
	capture, err := devices.BuildCapture(cfg.Devices.Capture, devLog)
	if err != nil {
		return nil, err
	}
	playback, err := devices.BuildPlayback(cfg.Devices.Playback, devLog)
	if err != nil {
		return nil, err
	}
	if cl, ok := playback.(io.Closer); ok {
		c.closers = append(c.closers, cl)
	}
	video, err := devices.BuildVideo(cfg.Devices.Video, devLog)
	if err != nil {
		return nil, err
	}

	c.transport = opts.Transport
	if c.transport == nil {
		c.transport = websocket.New(websocket.Config{
			Path:           cfg.Server.Path,
			DialTimeout:    cfg.Server.DialTimeout,
			WriteWait:      cfg.Server.WriteWait,
			MaxMessageSize: cfg.Server.MaxMessageSize,
			Buffer:         cfg.Session.EventBuffer,
			SessionID:      id,
			Logger:         logging.NewComponentLogger(log, "transport"),
		})
	}

	sessOpts := []session.Option{
		session.WithID(id),
		session.WithLogger(log),
		session.WithObserver(c.asyncObs),
		session.WithRedactor(redact.Text),
	}
	if capture != nil {
		sessOpts = append(sessOpts, session.WithCapture(capture))
	}
	if playback != nil {
		sessOpts = append(sessOpts, session.WithPlayback(playback))
	}
	if video != nil {
		sessOpts = append(sessOpts, session.WithVideo(video))
	}
	c.session = session.New(session.Config{
		Address:            cfg.Server.Address,
		LegacySpeaking:     cfg.Session.LegacySpeaking,
		IdleTimeout:        cfg.Session.IdleTimeout,
		DefaultAudioFormat: cfg.Session.DefaultAudioFormat,
		OrderChunksByIndex: cfg.Session.OrderChunksByIndex,
	}, c.transport, sessOpts...)

	ok = true
	return c, nil
}

// Start connects the session. A failed connect is returned as is; the
// client can still be drained.
func (c *Client) Start(ctx context.Context) error {
	return c.session.Start(ctx)
}

func (c *Client) Session() *session.Session { return c.session }

func (c *Client) REST() *rest.Client { return c.rest }

func (c *Client) Metrics() *observers.PrometheusObserver { return c.prom }

// Journal is nil unless observability.journal_path is set.
func (c *Client) Journal() *journal.Journal { return c.journal }

func (c *Client) Config() Config { return c.cfg }

// Drain closes the session, flushes observers and releases devices and
// storage. It implements runner.Drainer and is safe to call more than once.
func (c *Client) Drain() error {
	c.drainOnce.Do(func() {
		var errs []error
		if c.session != nil {
			errs = append(errs, c.session.Close())
		}
		for _, cl := range c.closers {
			errs = append(errs, cl.Close())
		}
		if c.asyncObs != nil {
			errs = append(errs, c.asyncObs.Close())
		}
		if c.timeline != nil {
			errs = append(errs, c.timeline.Close())
		}
		if c.journal != nil {
			errs = append(errs, c.journal.Close())
		}
		c.drainErr = errors.Join(errs...)
		c.log.Info("avatar_drained", "error", c.drainErr)
	})
	return c.drainErr
}

// WaitTurn blocks until the current exchange is over: nothing is pending
// on the server and no audio handle is live.
func (c *Client) WaitTurn(ctx context.Context) (session.State, error) {
	return c.WaitFor(ctx, TurnDone)
}

// TurnDone reports whether st has no question or reply in flight.
func TurnDone(st session.State) bool {
	return !st.Busy() && !st.Speaking && st.MediaID == "" && st.Status != session.StatusStreamingAudio
}

// WaitFor blocks until cond holds for the published state.
func (c *Client) WaitFor(ctx context.Context, cond func(session.State) bool) (session.State, error) {
	// every published state is checked, so short-lived statuses are not missed
	matched := make(chan session.State, 1)
	unsubscribe := c.session.Subscribe(session.ListenerFunc(func(ev session.StateChange) {
		if !cond(ev.To) {
			return
		}
		select {
		case matched <- ev.To:
		default:
		}
	}))
	defer unsubscribe()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := c.session.State()
		if cond(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-c.session.Done():
			return c.session.State(), session.ErrClosed
		case st := <-matched:
			return st, nil
		case <-ticker.C:
		}
	}
}
