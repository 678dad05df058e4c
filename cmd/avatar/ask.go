package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/avatarlink/pkg/session"
	"github.com/spf13/cobra"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		stream  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question, wait for the full answer and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runAsk(ctx, a, strings.Join(args, " "), stream)
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "request the answer as streamed audio")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "give up after this long")
	return cmd
}

func runAsk(ctx context.Context, a *app, question string, stream bool) (err error) {
	client, err := a.client(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if derr := client.Drain(); err == nil {
			err = derr
		}
	}()

	if err := client.Start(ctx); err != nil {
		return err
	}
	if _, err := client.WaitFor(ctx, func(st session.State) bool {
		return st.Connected || st.Status == session.StatusError
	}); err != nil {
		return err
	}
	sess := client.Session()

	if stream {
		if err := sess.RequestStreamingAudio(ctx, question); err != nil {
			return err
		}
		// the request itself leaves the status alone; wait for the transfer
		// to move it off connected
		if _, err := client.WaitFor(ctx, func(st session.State) bool {
			return st.Status != session.StatusConnected || !st.Connected
		}); err != nil {
			return err
		}
	} else if err := sess.SubmitText(ctx, question); err != nil {
		return err
	}

	st, err := client.WaitTurn(ctx)
	if err != nil && !errors.Is(err, session.ErrClosed) {
		return fmt.Errorf("waiting for answer (%s): %w", st.Status.Label(), err)
	}
	if st.ResponseText != "" {
		fmt.Fprintln(a.out, st.ResponseText)
	}
	if st.VideoURL != "" {
		fmt.Fprintln(a.out, "video:", st.VideoURL)
	}
	return turnError(st)
}

func turnError(st session.State) error {
	switch {
	case st.Status == session.StatusError:
		return fmt.Errorf("avatar: %s", st.LastError)
	case !st.Connected && st.ResponseText == "":
		return errors.New("avatar: disconnected before answering")
	}
	return nil
}
