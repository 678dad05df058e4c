// Package runner owns the process lifecycle of a long-running avatar client:
// banner, start hook, wait for cancellation, bounded drain.
package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the main wait. A failing OnStart aborts Run after
// draining.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer releases whatever the runner is keeping alive.
type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a function to Drainer.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

var Version = "dev"

// PrintBanner writes the ASCII title to w. A nil writer prints nothing.
func PrintBanner(w io.Writer, title string) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"" + title + "\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
