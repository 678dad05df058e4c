package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/harunnryd/avatarlink/pkg/avatar"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/journal"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit     int
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent turns from the local journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := strings.TrimSpace(a.cfg.Observability.JournalPath)
			if path == "" {
				return errorsx.New(errorsx.ReasonConfig, "observability.journal_path is not set")
			}
			j, err := journal.Open(cmd.Context(), path, a.log)
			if err != nil {
				return err
			}
			defer j.Close()
			if sessionID != "" {
				sess, err := j.LookupSession(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				writeSessionHeader(a.out, sess)
			}
			turns, err := j.RecentTurns(cmd.Context(), sessionID, limit)
			if err != nil {
				return err
			}
			writeTurns(a.out, turns)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of turns")
	cmd.Flags().StringVar(&sessionID, "session", "", "only this session")
	return cmd
}

func printHistory(ctx context.Context, w io.Writer, client *avatar.Client, limit int) error {
	j := client.Journal()
	if j == nil {
		return errorsx.New(errorsx.ReasonConfig, "journal disabled (set observability.journal_path)")
	}
	id := client.Session().ID()
	if sess, err := j.LookupSession(ctx, id); err == nil {
		writeSessionHeader(w, sess)
	}
	turns, err := j.RecentTurns(ctx, id, limit)
	if err != nil {
		return err
	}
	writeTurns(w, turns)
	return nil
}

func writeSessionHeader(w io.Writer, sess journal.Session) {
	line := fmt.Sprintf("session %s connected %s", sess.ID, sess.ConnectedAt.Format("2006-01-02 15:04:05"))
	if !sess.DisconnectedAt.IsZero() {
		line += " ended " + sess.DisconnectedAt.Format("2006-01-02 15:04:05")
		if sess.Reason != "" {
			line += " (" + sess.Reason + ")"
		}
	}
	fmt.Fprintln(w, line)
}

func writeTurns(w io.Writer, turns []journal.Turn) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SENT\tKIND\tQUESTION\tRESPONSE\tOUTCOME")
	for _, t := range turns {
		question := t.Question
		if question == "" {
			question = t.Transcript
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.SentAt.Format("2006-01-02 15:04:05"), t.Kind, clip(question, 40), clip(t.Response, 60), t.Outcome)
	}
	_ = tw.Flush()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
