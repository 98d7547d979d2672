package plugin

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dshills/keyproxy/internal/dispatch"
	"github.com/dshills/keyproxy/internal/idgen"
	"github.com/dshills/keyproxy/internal/process"
	"github.com/dshills/keyproxy/internal/rpc"
)

// Config configures a Catalog.
type Config struct {
	// Paths are the plugin search paths, scanned in order.
	Paths []string

	// CallTimeout bounds each event delivery. Zero means no timeout.
	CallTimeout time.Duration

	// MailboxSize is the number of events queued per plugin before new
	// events are dropped.
	MailboxSize int

	// StopGrace is how long a stopping plugin may take before it is killed.
	StopGrace time.Duration

	// MaxEventFailures is the number of consecutive failures of one event
	// kind after which the plugin stops receiving that kind. Zero disables
	// muting.
	MaxEventFailures int

	Restart RestartPolicy

	// Framing is used on process plugin stdio.
	Framing rpc.Framing
}

// DefaultConfig returns the default catalog configuration.
func DefaultConfig() Config {
	return Config{
		Paths:            DefaultPluginPaths(),
		CallTimeout:      5 * time.Second,
		MailboxSize:      64,
		StopGrace:        2 * time.Second,
		MaxEventFailures: 3,
		Restart:          DefaultRestartPolicy(),
		Framing:          rpc.FramingLine,
	}
}

// Status is a snapshot of one plugin for listings.
type Status struct {
	Name      string      `json:"name"`
	Version   string      `json:"version"`
	Runtime   Runtime     `json:"runtime"`
	State     State       `json:"state"`
	Restarts  int         `json:"restarts"`
	Events    []EventKind `json:"events,omitempty"`
	LastError string      `json:"last_error,omitempty"`
}

// Catalog owns every loaded plugin. It is safe for concurrent use.
type Catalog struct {
	cfg        Config
	log        *log.Logger
	host       Host
	coder      dispatch.ErrorCoder
	ids        *idgen.Generator
	supervisor *process.Supervisor
	spawners   map[Runtime]Spawner

	ctx    context.Context
	cancel context.CancelFunc

	// loadMu serializes Load, Clear and Close.
	loadMu sync.Mutex

	mu      sync.RWMutex
	handles map[string]*Handle
	names   []string
	closed  bool

	subMu sync.RWMutex
	subs  []func(Diagnostic)
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog's logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Catalog) {
		c.log = l
	}
}

// WithHost sets the services plugins may call.
func WithHost(h Host) Option {
	return func(c *Catalog) {
		c.host = h
	}
}

// WithErrorCoder sets how host errors are reported to process plugins.
func WithErrorCoder(coder dispatch.ErrorCoder) Option {
	return func(c *Catalog) {
		c.coder = coder
	}
}

// WithIDs sets the generator for handle ids.
func WithIDs(ids *idgen.Generator) Option {
	return func(c *Catalog) {
		c.ids = ids
	}
}

// WithSupervisor sets the process supervisor for process plugins.
func WithSupervisor(s *process.Supervisor) Option {
	return func(c *Catalog) {
		c.supervisor = s
	}
}

// WithSpawner installs or replaces the spawner for a runtime.
func WithSpawner(r Runtime, s Spawner) Option {
	return func(c *Catalog) {
		c.spawners[r] = s
	}
}

// NewCatalog creates an empty catalog. Call Load to populate it.
func NewCatalog(cfg Config, opts ...Option) *Catalog {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1
	}
	c := &Catalog{
		cfg: cfg,
		log: log.New(io.Discard),
		spawners: map[Runtime]Spawner{
			RuntimeProcess: SpawnProcess,
			RuntimeLua:     SpawnLua,
		},
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ids == nil {
		c.ids = idgen.New()
	}
	if c.supervisor == nil {
		c.supervisor = process.NewSupervisor()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Catalog) env() Env {
	return Env{
		Host:       c.host,
		Logger:     c.log,
		Supervisor: c.supervisor,
		Framing:    c.cfg.Framing,
		ErrorCoder: c.coder,
		Diagnose:   c.emit,
	}
}

// Load replaces the catalog with the plugins found on the search paths and
// starts every enabled one. Invalid manifests and spawn failures are
// reported as diagnostics and returned joined; they do not stop the load.
// Plugins that failed to spawn stay in the catalog and are retried.
func (c *Catalog) Load(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.isClosed() {
		return ErrCatalogClosed
	}

	var errs []error
	if err := c.stopAll(ctx, c.detach()); err != nil {
		errs = append(errs, err)
	}

	descs, loadErrs := NewLoader(WithPaths(c.cfg.Paths...)).Discover()
	for _, err := range loadErrs {
		c.log.Warn("invalid plugin", "err", err)
		c.emit(Diagnostic{Kind: DiagLoadFailed, Err: err})
	}
	errs = append(errs, loadErrs...)

	handles := make(map[string]*Handle, len(descs))
	names := make([]string, 0, len(descs))
	for _, desc := range descs {
		h := newHandle(c.ids.Next(), desc, c)
		handles[desc.Name] = h
		names = append(names, desc.Name)

		if !desc.Enabled || h.spawner == nil {
			h.disable()
			continue
		}
		if err := h.start(c.ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.handles = handles
	c.names = names
	c.mu.Unlock()

	c.log.Info("plugins loaded", "count", len(handles))
	return errors.Join(errs...)
}

// Clear stops and removes every plugin.
func (c *Catalog) Clear(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.stopAll(ctx, c.detach())
}

// Reload clears the catalog and loads it again.
func (c *Catalog) Reload(ctx context.Context) error {
	if err := c.Clear(ctx); err != nil {
		return err
	}
	return c.Load(ctx)
}

// Close stops every plugin and refuses further loads.
func (c *Catalog) Close(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.stopAll(ctx, c.detach())
	c.cancel()
	c.supervisor.Shutdown(c.cfg.StopGrace)
	return err
}

func (c *Catalog) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// detach empties the catalog and returns the handles it held.
func (c *Catalog) detach() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Handle, 0, len(c.handles))
	for _, name := range c.names {
		out = append(out, c.handles[name])
	}
	c.handles = make(map[string]*Handle)
	c.names = nil
	return out
}

func (c *Catalog) stopAll(ctx context.Context, handles []*Handle) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Broadcast offers ev to every running plugin subscribed to its kind and
// returns how many accepted it. It never blocks on a plugin.
func (c *Catalog) Broadcast(ev Event) int {
	n := 0
	for _, h := range c.snapshot() {
		if h.enqueue(ev) {
			n++
		}
	}
	return n
}

func (c *Catalog) snapshot() []*Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Handle, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.handles[name])
	}
	return out
}

// Get returns the plugin with the given name.
func (c *Catalog) Get(name string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[name]
	return h, ok
}

// Len returns the number of plugins in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

// List returns the status of every plugin, sorted by name.
func (c *Catalog) List() []Status {
	handles := c.snapshot()
	out := make([]Status, len(handles))
	for i, h := range handles {
		out[i] = h.Status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe registers fn for diagnostics and returns a function that
// removes it. fn must not block.
func (c *Catalog) Subscribe(fn func(Diagnostic)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.subs = append(c.subs, fn)
	idx := len(c.subs) - 1

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if idx < len(c.subs) {
			c.subs[idx] = nil
		}
	}
}

func (c *Catalog) emit(d Diagnostic) {
	c.subMu.RLock()
	subs := make([]func(Diagnostic), 0, len(c.subs))
	for _, fn := range c.subs {
		if fn != nil {
			subs = append(subs, fn)
		}
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("diagnostic subscriber panicked", "panic", r)
				}
			}()
			fn(d)
		}()
	}
}
