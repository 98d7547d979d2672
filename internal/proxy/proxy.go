// Package proxy is the editor backend: it serves the front-end protocol on
// one transport, owns the buffer store, and fans buffer events out to the
// plugin catalog.
//
// Components are wired in dependency order by New:
//
//	buffer store -> plugin catalog -> front-end dispatcher
//
// Serve loads the plugins, runs the front-end loop until the input ends or
// a shutdown is requested, and stops every plugin before returning.
package proxy

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dshills/keyproxy/internal/config"
	"github.com/dshills/keyproxy/internal/dispatch"
	"github.com/dshills/keyproxy/internal/engine/buffer"
	"github.com/dshills/keyproxy/internal/idgen"
	"github.com/dshills/keyproxy/internal/logging"
	"github.com/dshills/keyproxy/internal/plugin"
	"github.com/dshills/keyproxy/internal/plugin/watcher"
	"github.com/dshills/keyproxy/internal/rpc"
)

// Config configures a Proxy.
type Config struct {
	// Workers bounds concurrently running pooled front-end handlers.
	Workers int

	// Framing is the front-end wire framing.
	Framing rpc.Framing

	Plugins plugin.Config

	// WatchPlugins reloads the catalog when plugin directories change.
	WatchPlugins bool
}

// DefaultConfig returns the default proxy configuration.
func DefaultConfig() Config {
	return Config{
		Workers: dispatch.DefaultWorkers,
		Framing: rpc.FramingLine,
		Plugins: plugin.DefaultConfig(),
	}
}

// ConfigFrom converts loaded settings into a proxy configuration.
func ConfigFrom(c config.Config) Config {
	pc := plugin.DefaultConfig()
	pc.Paths = c.Plugins.Dirs
	pc.CallTimeout = c.Plugins.CallTimeout.Duration
	pc.MailboxSize = c.Plugins.MailboxSize
	pc.StopGrace = c.Plugins.StopGrace.Duration
	pc.MaxEventFailures = c.Plugins.MaxEventFailures
	pc.Restart.MaxRestarts = c.Plugins.MaxRestarts
	pc.Restart.InitialBackoff = c.Plugins.InitialBackoff.Duration
	pc.Restart.MaxBackoff = c.Plugins.MaxBackoff.Duration
	pc.Framing = c.FramingMode()

	return Config{
		Workers:      c.Workers,
		Framing:      c.FramingMode(),
		Plugins:      pc,
		WatchPlugins: c.Plugins.Watch,
	}
}

const diagnosticQueue = 64

// Proxy is one front-end session.
type Proxy struct {
	cfg     Config
	log     *log.Logger
	session string

	bufferIDs   *idgen.Generator
	catalogOpts []plugin.Option

	buffers *buffer.Store
	catalog *plugin.Catalog
	d       *dispatch.Dispatcher
	unsub   func()
	diags   chan DiagnosticParams

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping atomic.Bool
	served   atomic.Bool
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.log = l
		}
	}
}

// WithBufferIDs sets the generator buffer ids are drawn from.
func WithBufferIDs(ids *idgen.Generator) Option {
	return func(p *Proxy) {
		p.bufferIDs = ids
	}
}

// WithCatalogOptions passes extra options to the plugin catalog.
func WithCatalogOptions(opts ...plugin.Option) Option {
	return func(p *Proxy) {
		p.catalogOpts = append(p.catalogOpts, opts...)
	}
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(p *Proxy) {
		if id != "" {
			p.session = id
		}
	}
}

// New wires a proxy serving the front-end on in and out.
func New(in io.Reader, out io.Writer, cfg Config, opts ...Option) *Proxy {
	p := &Proxy{
		cfg:     cfg,
		log:     logging.Discard(),
		session: uuid.NewString(),
		diags:   make(chan DiagnosticParams, diagnosticQueue),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("session", p.session)

	p.buffers = buffer.NewStore(p.bufferIDs)

	catalogOpts := append([]plugin.Option{
		plugin.WithLogger(logging.WithComponent(p.log, "plugins")),
		plugin.WithHost(storeHost{p.buffers}),
		plugin.WithErrorCoder(ErrorCoder),
		plugin.WithIDs(idgen.New()),
	}, p.catalogOpts...)
	p.catalog = plugin.NewCatalog(cfg.Plugins, catalogOpts...)

	closer, _ := in.(io.Closer)
	conn := rpc.NewTransport(in, out, closer, rpc.WithFraming(cfg.Framing))
	p.d = dispatch.New(conn, idgen.New(),
		dispatch.WithLogger(logging.WithComponent(p.log, "dispatch")),
		dispatch.WithErrorCoder(ErrorCoder),
		dispatch.WithWorkers(cfg.Workers),
	)
	p.registerHandlers()
	p.unsub = p.catalog.Subscribe(p.forwardDiagnostic)

	return p
}

// Session returns the session id.
func (p *Proxy) Session() string {
	return p.session
}

// Buffers returns the buffer store.
func (p *Proxy) Buffers() *buffer.Store {
	return p.buffers
}

// Catalog returns the plugin catalog.
func (p *Proxy) Catalog() *plugin.Catalog {
	return p.catalog
}

// Serve runs the session until the front-end closes its input, a shutdown
// is requested, or ctx is canceled. It returns nil in the first two cases.
// A Proxy serves once.
func (p *Proxy) Serve(ctx context.Context) error {
	if p.served.Swap(true) {
		return ErrAlreadyServed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Info("session started", "plugin_paths", p.cfg.Plugins.Paths)

	pumpDone := make(chan struct{})
	go p.pumpDiagnostics(ctx, pumpDone)

	if err := p.catalog.Load(ctx); err != nil {
		p.log.Warn("plugin load incomplete", "err", err)
	}

	var w *watcher.Watcher
	if p.cfg.WatchPlugins {
		var err error
		w, err = watcher.New(p.cfg.Plugins.Paths, func() { p.pluginsChanged(ctx) },
			watcher.WithLogger(logging.WithComponent(p.log, "watcher")))
		if err != nil {
			p.log.Warn("plugin watcher unavailable", "err", err)
		}
	}

	err := p.d.Serve(ctx)

	if w != nil {
		w.Close()
	}
	p.unsub()
	cancel()
	<-pumpDone

	stopCtx, stopCancel := context.WithTimeout(context.Background(), p.cfg.Plugins.StopGrace+time.Second)
	defer stopCancel()
	if cerr := p.catalog.Close(stopCtx); cerr != nil {
		p.log.Warn("stopping plugins", "err", cerr)
	}

	if err != nil && p.stopping.Load() && errors.Is(err, context.Canceled) {
		err = nil
	}
	p.log.Info("session ended", "err", err)
	return err
}

// Shutdown asks a running Serve to return.
func (p *Proxy) Shutdown() {
	p.stopping.Store(true)
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Proxy) reloadPlugins(ctx context.Context) (int, error) {
	err := p.catalog.Reload(ctx)
	n := p.catalog.Len()
	if err != nil {
		p.log.Warn("plugin reload incomplete", "count", n, "err", err)
	} else {
		p.log.Info("plugins reloaded", "count", n)
	}
	return n, err
}

// pluginsChanged reloads after a plugin directory change and tells the
// front-end.
func (p *Proxy) pluginsChanged(ctx context.Context) {
	n, err := p.reloadPlugins(ctx)
	if nerr := p.d.Notify(MethodPluginsReloaded, ReloadResult{Count: n, Errors: errorStrings(err)}); nerr != nil {
		p.log.Debug("reload notification not sent", "err", nerr)
	}
}

// forwardDiagnostic queues d for the front-end. It never blocks the catalog;
// diagnostics beyond the queue are dropped.
func (p *Proxy) forwardDiagnostic(d plugin.Diagnostic) {
	params := DiagnosticParams{
		Plugin:  d.Plugin,
		Kind:    d.Kind.String(),
		Message: d.String(),
	}
	select {
	case p.diags <- params:
	default:
		p.log.Debug("diagnostic dropped", "plugin", d.Plugin, "kind", params.Kind)
	}
}

func (p *Proxy) pumpDiagnostics(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case params := <-p.diags:
			if err := p.d.Notify(MethodPluginDiagnostic, params); err != nil {
				p.log.Debug("diagnostic not sent", "plugin", params.Plugin, "err", err)
				return
			}
		}
	}
}

// errorStrings flattens a joined error for the wire.
func errorStrings(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// storeHost serves plugin callbacks from the buffer store.
type storeHost struct {
	store *buffer.Store
}

func (h storeHost) BufferText(id uint64) (string, uint64, error) {
	return h.store.Text(buffer.ID(id))
}
