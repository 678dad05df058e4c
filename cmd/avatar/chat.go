package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/avatarlink/pkg/avatar"
	"github.com/harunnryd/avatarlink/pkg/runner"
	"github.com/harunnryd/avatarlink/pkg/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const chatHelp = `Type a question and press enter.
  /stream <text>  ask for a streamed spoken answer
  /rec            start or stop a voice recording
  /status         show the session state
  /history        show recent turns from the journal
  /quit           leave`

func newChatCmd(a *app) *cobra.Command {
	var noBanner bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with the avatar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), a, !noBanner)
		},
	}
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "skip the startup banner")
	return cmd
}

func runChat(ctx context.Context, a *app, banner bool) error {
	client, err := a.client(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// input is read only once the session is up
	ready := make(chan struct{})
	lc := runner.NewLifecycleRunner(client, runner.Hooks{
		OnStart: func(ctx context.Context) error {
			if err := client.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, chatHelp)
			close(ready)
			return nil
		},
	}, 10*time.Second)
	if banner {
		lc.Banner = a.out
	}

	changes := make(chan session.StateChange, 64)
	unsubscribe := client.Session().Subscribe(session.ListenerFunc(func(ev session.StateChange) {
		select {
		case changes <- ev:
		default:
		}
	}))
	defer unsubscribe()

	g.Go(func() error { return lc.Run(gctx) })
	g.Go(func() error {
		printChanges(gctx, a.out, changes)
		return nil
	})
	if addr := strings.TrimSpace(a.cfg.Observability.MetricsAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(client), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.log.Info("metrics_listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		select {
		case <-ready:
		case <-gctx.Done():
			return nil
		}
		defer cancel()
		return readLoop(gctx, a, client)
	})
	g.Go(func() error {
		select {
		case <-client.Session().Done():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		err = nil
	}
	return err
}

func metricsMux(client *avatar.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", client.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := client.Session().State()
		if !st.Connected {
			http.Error(w, string(st.Status), http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, string(st.Status))
	})
	return mux
}

// readLoop feeds stdin lines to the session until /quit, EOF or ctx ends.
func readLoop(ctx context.Context, a *app, client *avatar.Client) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.EOF
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			quit, err := handleLine(ctx, a, client, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintln(a.out, "!", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, a *app, client *avatar.Client, line string) (bool, error) {
	sess := client.Session()
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(a.out, chatHelp)
		return false, nil
	case "/status":
		printState(a.out, sess.State())
		return false, nil
	case "/stream":
		return false, sess.RequestStreamingAudio(ctx, rest)
	case "/rec":
		if sess.State().Recording {
			return false, sess.StopRecording(ctx)
		}
		return false, sess.StartRecording(ctx)
	case "/history":
		return false, printHistory(ctx, a.out, client, 10)
	}
	return false, sess.SubmitText(ctx, line)
}

// printChanges renders what a user would see on screen: the status label,
// the transcript and the reply.
func printChanges(ctx context.Context, w io.Writer, changes <-chan session.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-changes:
			from, to := ev.From, ev.To
			if to.Transcript != "" && to.Transcript != from.Transcript {
				fmt.Fprintf(w, "you> %s\n", to.Transcript)
			}
			if to.ResponseText != "" && to.ResponseText != from.ResponseText {
				fmt.Fprintf(w, "avatar> %s\n", to.ResponseText)
			}
			if to.LastError != "" && to.LastError != from.LastError {
				fmt.Fprintf(w, "! %s\n", to.LastError)
			}
			if from.Status != to.Status {
				fmt.Fprintf(w, "[%s]\n", to.Status.Label())
			}
		}
	}
}

func printState(w io.Writer, st session.State) {
	fmt.Fprintf(w, "session:    %s\n", st.ID)
	fmt.Fprintf(w, "status:     %s (%s)\n", st.Status, st.Status.Label())
	fmt.Fprintf(w, "connected:  %t\n", st.Connected)
	fmt.Fprintf(w, "recording:  %t\n", st.Recording)
	fmt.Fprintf(w, "speaking:   %t\n", st.Speaking)
	fmt.Fprintf(w, "audio:      %t\n", st.AudioSupported)
	if st.Transcript != "" {
		fmt.Fprintf(w, "transcript: %s\n", st.Transcript)
	}
	if st.ResponseText != "" {
		fmt.Fprintf(w, "response:   %s\n", st.ResponseText)
	}
	if st.VideoURL != "" {
		fmt.Fprintf(w, "video:      %s\n", st.VideoURL)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "error:      %s\n", st.LastError)
	}
}
