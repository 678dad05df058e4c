package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/avatarlink/pkg/avatar"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/runner"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what every subcommand needs once the root has loaded config.
type app struct {
	v      *viper.Viper
	cfg    avatar.Config
	log    *slog.Logger
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	headless   bool
	envFile    string
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{v: avatar.NewViper(), in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "avatar",
		Short:         "Talk to a speaking avatar server over its websocket protocol",
		Version:       runner.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (yaml, json or toml)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before config; missing files are ignored")
	flags.BoolVar(&a.headless, "headless", false, "run without microphone, speaker or video")
	flags.StringP("server", "s", "", "server address: host, host:port or ws(s):// URL")
	flags.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	flags.String("log-format", "", "text or json")
	_ = a.v.BindPFlag("server.address", flags.Lookup("server"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log_format", flags.Lookup("log-format"))

	root.AddCommand(
		newChatCmd(a),
		newAskCmd(a),
		newHealthCmd(a),
		newTranscribeCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func (a *app) load() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}
	if a.configPath != "" {
		a.v.SetConfigFile(a.configPath)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if a.headless {
		for _, key := range []string{"devices.capture.provider", "devices.playback.provider", "devices.video.provider"} {
			a.v.Set(key, "none")
		}
	}
	cfg, err := avatar.Decode(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.InitLoggerTo(a.errOut, cfg.LogLevel, cfg.LogFormat)
	return nil
}

// client builds an avatar client from the loaded config.
func (a *app) client(ctx context.Context) (*avatar.Client, error) {
	return avatar.NewClient(ctx, avatar.Options{Config: a.cfg, Logger: a.log})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
