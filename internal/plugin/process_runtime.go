package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dshills/keyproxy/internal/dispatch"
	"github.com/dshills/keyproxy/internal/idgen"
	"github.com/dshills/keyproxy/internal/process"
	"github.com/dshills/keyproxy/internal/rpc"
	"github.com/dshills/keyproxy/pkg/pluginkit"
)

var errNotExecutable = errors.New("not an executable file")

// SpawnProcess starts desc as a subprocess and wires a transport and
// dispatcher on its stdio. Host services are registered on the dispatcher so
// the plugin can call back through its own core proxy.
func SpawnProcess(ctx context.Context, desc *Description, env Env) (Instance, error) {
	path := desc.Command()
	info, err := os.Stat(path)
	if err != nil {
		return nil, &SpawnError{Plugin: desc.Name, Path: path, Err: err}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, &SpawnError{Plugin: desc.Name, Path: path, Err: errNotExecutable}
	}

	cmd := exec.Command(path, desc.Args...)
	cmd.Dir = desc.Dir
	cmd.Env = append(os.Environ(), desc.Environ()...)

	proc, err := env.Supervisor.Start(desc.Name, cmd)
	if err != nil {
		return nil, &SpawnError{Plugin: desc.Name, Path: path, Err: err}
	}

	logger := env.Logger.With("plugin", desc.Name)
	logger.Debug("plugin process started", "pid", proc.PID(), "process", proc.ID)
	tr := rpc.NewTransport(proc.Stdout, proc.Stdin, proc.Stdin, rpc.WithFraming(env.Framing))
	opts := []dispatch.Option{dispatch.WithLogger(logger)}
	if env.ErrorCoder != nil {
		opts = append(opts, dispatch.WithErrorCoder(env.ErrorCoder))
	}
	d := dispatch.New(tr, idgen.New(), opts...)

	inst := &processInstance{
		name:   desc.Name,
		proc:   proc,
		d:      d,
		core:   dispatch.NewCoreProxy(d, desc.Name),
		log:    logger,
		served: make(chan struct{}),
		done:   make(chan struct{}),
	}
	registerHostHandlers(d, desc.Name, env, logger)

	go inst.drainStderr()
	go inst.serve()
	go inst.reap()

	return inst, nil
}

type processInstance struct {
	name string
	proc *process.Process
	d    *dispatch.Dispatcher
	core *dispatch.CoreProxy
	log  *log.Logger

	served chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// drainTimeout bounds how long an exited plugin's output is read before
// the connection is torn down. A descendant holding stdout open would
// otherwise keep it alive.
const drainTimeout = time.Second

func (p *processInstance) serve() {
	defer close(p.served)
	if err := p.d.Serve(context.Background()); err != nil {
		p.log.Debug("plugin connection ended", "err", err)
	}
	_ = p.proc.Stdout.Close()
}

// reap reports the instance done once the process has exited and every
// frame it wrote has been dispatched.
func (p *processInstance) reap() {
	defer close(p.done)
	<-p.proc.Done()
	select {
	case <-p.served:
	case <-time.After(drainTimeout):
		_ = p.proc.Stdout.Close()
		<-p.served
	}
}

func (p *processInstance) drainStderr() {
	defer p.proc.Stderr.Close()
	scanner := bufio.NewScanner(p.proc.Stderr)
	for scanner.Scan() {
		p.log.Info(scanner.Text(), "stream", "stderr")
	}
}

func (p *processInstance) Deliver(ctx context.Context, ev Event) error {
	call, err := p.core.Call(ev.Method(), ev.Params())
	if err != nil {
		return err
	}
	if _, err := call.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			call.Cancel()
		}
		return err
	}
	return nil
}

func (p *processInstance) Done() <-chan struct{} {
	return p.done
}

func (p *processInstance) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	if err := p.proc.ExitError(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedExit, err)
	}
	return fmt.Errorf("%w: exit code %d", ErrUnexpectedExit, p.proc.ExitCode())
}

func (p *processInstance) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.proc.Stop(grace)
		_ = p.d.Close()
		<-p.done
	})
	return p.stopErr
}

// registerHostHandlers installs the services a plugin may call.
func registerHostHandlers(d *dispatch.Dispatcher, name string, env Env, logger *log.Logger) {
	if env.Host != nil {
		d.Handle(pluginkit.MethodBufferText, fromPlugin(name, logger, dispatch.Typed(
			func(_ context.Context, p pluginkit.BufferTextParams) (pluginkit.BufferTextResult, error) {
				text, rev, err := env.Host.BufferText(p.BufferID)
				if err != nil {
					return pluginkit.BufferTextResult{}, err
				}
				return pluginkit.BufferTextResult{Text: text, Revision: rev}, nil
			})), dispatch.Inline())
	}

	d.Handle(pluginkit.MethodLog, fromPlugin(name, logger, dispatch.Typed(
		func(ctx context.Context, p pluginkit.LogParams) (struct{}, error) {
			log.FromContext(ctx).Log(parseLevel(p.Level), p.Message)
			if env.Diagnose != nil {
				env.Diagnose(Diagnostic{Kind: DiagLog, Plugin: name, Message: p.Message})
			}
			return struct{}{}, nil
		})), dispatch.Inline())
}

// fromPlugin attributes a host call to the origin stamped on its params,
// falling back to the plugin on this connection. The handler finds the
// attributed logger in its context.
func fromPlugin(name string, logger *log.Logger, h dispatch.Handler) dispatch.Handler {
	return func(ctx context.Context, req *dispatch.Request, reply *dispatch.Reply) {
		l := logger
		if origin := dispatch.OriginOf(req.Params); origin != "" && origin != name {
			l = logger.With("origin", origin)
		}
		l.Debug("host call", "method", req.Method)
		h(log.WithContext(ctx, l), req, reply)
	}
}

func parseLevel(s string) log.Level {
	if s == "" {
		return log.InfoLevel
	}
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
