package plugin

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dshills/keyproxy/internal/dispatch"
	"github.com/dshills/keyproxy/internal/process"
	"github.com/dshills/keyproxy/internal/rpc"
)

// Host is the set of host services a plugin may call.
type Host interface {
	// BufferText returns a buffer's content and revision.
	BufferText(id uint64) (text string, revision uint64, err error)
}

// Instance is one running incarnation of a plugin. A crashed plugin is
// replaced by a fresh Instance from the same Spawner.
type Instance interface {
	// Deliver sends ev and waits for the plugin to acknowledge it.
	Deliver(ctx context.Context, ev Event) error

	// Done is closed when the instance has exited.
	Done() <-chan struct{}

	// Err describes why the instance exited.
	Err() error

	// Stop shuts the instance down, forcing it after grace.
	Stop(grace time.Duration) error
}

// Env carries the host resources a Spawner may use.
type Env struct {
	Host       Host
	Logger     *log.Logger
	Supervisor *process.Supervisor
	Framing    rpc.Framing
	ErrorCoder dispatch.ErrorCoder

	// Diagnose reports plugin log lines to catalog subscribers.
	Diagnose func(Diagnostic)
}

// Spawner starts one instance of the plugin described by desc.
type Spawner func(ctx context.Context, desc *Description, env Env) (Instance, error)
