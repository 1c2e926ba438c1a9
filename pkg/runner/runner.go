// Package runner drives a process through start, run, drain and stop.
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
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run on the runner's goroutine. A failing OnStart stops the runner
// before it reaches Running.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

// PrintBanner writes the startup banner followed by an optional tagline.
func PrintBanner(w io.Writer, tagline string) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"PARLA\" \"\" 0 }}\n"
	if tagline != "" {
		tpl += tagline + "\n"
	}
	tpl += "Version: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
