package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/avatarlink/pkg/transports/rest"
	"github.com/spf13/cobra"
)

func newHealthCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the avatar server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := rest.NewClient(a.cfg.Server.Address, a.log)
			if err != nil {
				return err
			}
			res, err := c.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s\n", c.BaseURL, res.Status)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func newTranscribeCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file with the server's speech recogniser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := rest.NewClient(a.cfg.Server.Address, a.log)
			if err != nil {
				return err
			}
			text, err := c.Transcribe(ctx, filepath.Base(args[0]), data)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, text)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")
	return cmd
}
