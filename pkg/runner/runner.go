// Package runner owns process lifecycle for long-running commands: banner,
// start hooks, and draining on shutdown.
package runner

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

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

type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

// Version is overridden at build time with -ldflags "-X .../runner.Version=...".
var Version = "dev"

// PrintBanner writes an ASCII-art title and the version to w.
func PrintBanner(w io.Writer, title string) {
	if w == nil {
		w = os.Stdout
	}
	title = strings.ReplaceAll(strings.ToUpper(title), `"`, "")
	tpl := "{{ .Title \"" + title + "\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
