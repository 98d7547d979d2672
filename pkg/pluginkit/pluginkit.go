// Package pluginkit is the plugin side of the keyproxy plugin protocol.
//
// A plugin registers handlers for the buffer events it cares about and
// serves the protocol on its stdio:
//
//	p := pluginkit.New("wordcount")
//	p.OnUpdate(func(ctx context.Context, u pluginkit.UpdateParams) error {
//	    return nil
//	})
//	if err := p.Serve(context.Background()); err != nil {
//	    os.Exit(1)
//	}
//
// Event handlers run one at a time in the order events arrive. They must
// not block on calls back into the host; use the Async variants, which
// complete on another goroutine.
package pluginkit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/dshills/keyproxy/internal/dispatch"
	"github.com/dshills/keyproxy/internal/idgen"
	"github.com/dshills/keyproxy/internal/rpc"
)

// Plugin is a plugin process's connection to the host.
type Plugin struct {
	name string
	d    *dispatch.Dispatcher
	host *dispatch.CoreProxy
	log  *log.Logger

	in      io.Reader
	out     io.Writer
	framing Framing
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithIO replaces stdin and stdout as the protocol stream.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(p *Plugin) {
		p.in = in
		p.out = out
	}
}

// Framing selects how messages are delimited on the wire. It must match
// the host's setting.
type Framing = rpc.Framing

// Framing modes.
const (
	// FramingLine is newline-delimited JSON, the default.
	FramingLine = rpc.FramingLine

	// FramingHeader uses Content-Length headers.
	FramingHeader = rpc.FramingHeader
)

// WithFraming sets the wire framing.
func WithFraming(f Framing) Option {
	return func(p *Plugin) {
		p.framing = f
	}
}

// WithLogger sets the plugin's local logger. Output must not go to stdout.
func WithLogger(l *log.Logger) Option {
	return func(p *Plugin) {
		p.log = l
	}
}

// New creates a plugin named name speaking on stdin and stdout.
func New(name string, opts ...Option) *Plugin {
	p := &Plugin{
		name: name,
		in:   os.Stdin,
		out:  os.Stdout,
		log:  log.NewWithOptions(os.Stderr, log.Options{Prefix: name}),
	}
	for _, opt := range opts {
		opt(p)
	}

	closer, _ := p.in.(io.Closer)
	tr := rpc.NewTransport(p.in, p.out, closer, rpc.WithFraming(p.framing))
	p.d = dispatch.New(tr, idgen.New(), dispatch.WithLogger(p.log))
	p.host = dispatch.NewCoreProxy(p.d, name)
	return p
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return p.name
}

// Logger returns the plugin's local logger.
func (p *Plugin) Logger() *log.Logger {
	return p.log
}

// OnNewBuffer handles buffers opened on the host.
func (p *Plugin) OnNewBuffer(fn func(ctx context.Context, params NewBufferParams) error) {
	handle(p.d, MethodNewBuffer, fn)
}

// OnUpdate handles edits applied on the host.
func (p *Plugin) OnUpdate(fn func(ctx context.Context, params UpdateParams) error) {
	handle(p.d, MethodUpdate, fn)
}

// OnCloseBuffer handles buffers closed on the host.
func (p *Plugin) OnCloseBuffer(fn func(ctx context.Context, params CloseBufferParams) error) {
	handle(p.d, MethodCloseBuffer, fn)
}

func handle[P any](d *dispatch.Dispatcher, method string, fn func(context.Context, P) error) {
	d.Handle(method, dispatch.Typed(func(ctx context.Context, params P) (struct{}, error) {
		return struct{}{}, fn(ctx, params)
	}), dispatch.Inline())
}

// BufferText fetches a buffer's content from the host. It must not be
// called from an event handler; use BufferTextAsync there.
func (p *Plugin) BufferText(ctx context.Context, id uint64) (BufferTextResult, error) {
	var res BufferTextResult
	call, err := p.host.Call(MethodBufferText, BufferTextParams{BufferID: id})
	if err != nil {
		return res, err
	}
	err = call.WaitInto(ctx, &res)
	if errors.Is(err, dispatch.ErrBlockingSelfCall) {
		call.Cancel()
	}
	return res, err
}

// BufferTextAsync fetches a buffer's content and passes it to fn on another
// goroutine.
func (p *Plugin) BufferTextAsync(id uint64, fn func(BufferTextResult, error)) error {
	call, err := p.host.Call(MethodBufferText, BufferTextParams{BufferID: id})
	if err != nil {
		return err
	}
	call.OnComplete(func(raw json.RawMessage, err error) {
		var res BufferTextResult
		if err == nil {
			err = json.Unmarshal(raw, &res)
		}
		fn(res, err)
	})
	return nil
}

// Log records a line in the host's log.
func (p *Plugin) Log(level, msg string) error {
	return p.host.Notify(MethodLog, LogParams{Level: level, Message: msg})
}

// Serve runs the protocol until the host closes the stream or ctx ends.
func (p *Plugin) Serve(ctx context.Context) error {
	return p.d.Serve(ctx)
}
