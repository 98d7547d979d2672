package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/keyproxy/internal/idgen"
	"github.com/dshills/keyproxy/internal/rpc"
)

// DefaultWorkers bounds concurrently running pooled handlers.
const DefaultWorkers = 8

// Conn is the message stream a Dispatcher serves. *rpc.Transport
// implements it.
type Conn interface {
	Read() (rpc.Message, error)
	Write(rpc.Message) error
	Close() error
}

// Dispatcher routes inbound requests and notifications to handlers and
// inbound responses to pending outbound calls, over a single Conn.
type Dispatcher struct {
	conn  Conn
	ids   *idgen.Generator
	log   *log.Logger
	coder ErrorCoder

	hmu      sync.RWMutex
	handlers map[string]handlerEntry

	pmu     sync.Mutex
	pending map[uint64]*Call
	closed  bool

	workers  int64
	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	state atomic.Int32

	failOnce sync.Once
	failErr  error
	failed   chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithWorkers bounds the number of pooled handlers running at once.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = int64(n)
		}
	}
}

// WithErrorCoder sets how handler errors are turned into error objects.
func WithErrorCoder(c ErrorCoder) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.coder = c
		}
	}
}

// New creates a dispatcher over conn. Outbound call ids come from ids.
func New(conn Conn, ids *idgen.Generator, opts ...Option) *Dispatcher {
	if ids == nil {
		ids = idgen.New()
	}
	d := &Dispatcher{
		conn:     conn,
		ids:      ids,
		log:      log.New(io.Discard),
		coder:    DefaultErrorCoder,
		handlers: make(map[string]handlerEntry),
		pending:  make(map[uint64]*Call),
		workers:  DefaultWorkers,
		failed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sem = semaphore.NewWeighted(d.workers)
	return d
}

// Handle registers h for method, replacing any previous handler.
func (d *Dispatcher) Handle(method string, h Handler, opts ...HandleOption) {
	entry := handlerEntry{fn: h}
	for _, opt := range opts {
		opt(&entry)
	}

	d.hmu.Lock()
	d.handlers[method] = entry
	d.hmu.Unlock()
}

func (d *Dispatcher) handler(method string) (handlerEntry, bool) {
	d.hmu.RLock()
	defer d.hmu.RUnlock()
	h, ok := d.handlers[method]
	return h, ok
}

// State returns the read loop's current state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
}

// Pending returns the number of outbound calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return len(d.pending)
}

// Close closes the underlying connection.
func (d *Dispatcher) Close() error {
	return d.conn.Close()
}

type readResult struct {
	msg rpc.Message
	err error
}

// Serve reads and routes messages until the stream ends, ctx is canceled,
// or a write fails. It returns nil at end of stream, the write error after a
// fatal write failure, and ctx.Err() on cancellation. Pending outbound calls
// are completed with ErrClosed before Serve returns.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan readResult)
	go d.readLoop(ctx, frames)

	err := d.loop(ctx, frames)
	if err != nil {
		cancel()
	}

	// Let running handlers finish their replies.
	d.inflight.Wait()
	d.closePending()
	d.setState(StateIdle)

	return err
}

func (d *Dispatcher) readLoop(ctx context.Context, out chan<- readResult) {
	for {
		msg, err := d.conn.Read()
		select {
		case out <- readResult{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}

		var te *rpc.TransportError
		if err != nil && !errors.As(err, &te) {
			return
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context, frames <-chan readResult) error {
	for {
		d.setState(StateReadingFrame)

		var res readResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.failed:
			return d.failErr
		case res = <-frames:
		}

		if res.err != nil {
			var te *rpc.TransportError
			switch {
			case errors.As(res.err, &te):
				d.log.Warn("skipping malformed frame", "err", te)
				continue
			case errors.Is(res.err, io.EOF):
				return nil
			default:
				return fmt.Errorf("read: %w", res.err)
			}
		}

		d.setState(StateRouting)
		d.route(ctx, res.msg)
	}
}

func (d *Dispatcher) route(ctx context.Context, msg rpc.Message) {
	switch m := msg.(type) {
	case *rpc.Request:
		d.dispatch(ctx, &Request{ID: m.ID, Method: m.Method, Params: m.Params})
	case *rpc.Notification:
		d.dispatch(ctx, &Request{Method: m.Method, Params: m.Params, Notification: true})
	case *rpc.Response:
		d.deliver(m)
		d.setState(StateCompleted)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request) {
	entry, ok := d.handler(req.Method)
	if !ok {
		if req.Notification {
			d.log.Debug("ignoring notification", "method", req.Method)
		} else {
			d.write(rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.CodeMethodNotFound, "method not found: %s", req.Method)))
		}
		d.setState(StateCompleted)
		return
	}

	reply := &Reply{d: d, id: req.ID, method: req.Method, notify: req.Notification}
	hctx := withHandler(ctx, d)

	if entry.inline {
		d.invoke(hctx, entry.fn, req, reply)
		d.settle(reply)
		return
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		reply.Error(err)
		d.setState(StateCompleted)
		return
	}
	d.inflight.Add(1)
	d.setState(StateAwaitingHandler)
	go func() {
		defer d.inflight.Done()
		defer d.sem.Release(1)
		d.invoke(hctx, entry.fn, req, reply)
	}()
}

func (d *Dispatcher) settle(reply *Reply) {
	if reply.Replied() {
		d.setState(StateCompleted)
	} else {
		d.setState(StateAwaitingHandler)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *Request, reply *Reply) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "method", req.Method, "panic", r)
			reply.Error(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	h(ctx, req, reply)
}

func (d *Dispatcher) deliver(resp *rpc.Response) {
	c := d.pendingCall(resp.ID)
	if c == nil {
		d.log.Warn("discarding response for unknown request", "id", resp.ID)
		return
	}
	if resp.Error != nil {
		c.complete(nil, resp.Error)
		return
	}
	c.complete(resp.Result, nil)
}

// pendingCall removes and returns the call registered under id.
func (d *Dispatcher) pendingCall(id uint64) *Call {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	c, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	return c
}

// takePending removes id from the pending table, reporting whether it was
// there.
func (d *Dispatcher) takePending(id uint64) bool {
	return d.pendingCall(id) != nil
}

func (d *Dispatcher) closePending() {
	d.pmu.Lock()
	calls := d.pending
	d.pending = make(map[uint64]*Call)
	d.closed = true
	d.pmu.Unlock()

	for _, c := range calls {
		c.complete(nil, ErrClosed)
	}
}

// Call sends a request and registers it in the pending table.
func (d *Dispatcher) Call(method string, params any) (*Call, error) {
	id := d.ids.Next()
	req, err := rpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	c := newCall(d, id, method)

	d.pmu.Lock()
	if d.closed {
		d.pmu.Unlock()
		return nil, ErrClosed
	}
	d.pending[id] = c
	d.pmu.Unlock()

	if err := d.write(req); err != nil {
		if d.takePending(id) {
			c.complete(nil, err)
		}
		return nil, err
	}
	return c, nil
}

// Notify sends a notification.
func (d *Dispatcher) Notify(method string, params any) error {
	n, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return d.write(n)
}

// write sends m. A failed write is fatal: Serve stops and returns it.
func (d *Dispatcher) write(m rpc.Message) error {
	if err := d.conn.Write(m); err != nil {
		d.fail(err)
		return err
	}
	return nil
}

func (d *Dispatcher) fail(err error) {
	d.failOnce.Do(func() {
		d.log.Error("transport write failed", "err", err)
		d.failErr = err
		close(d.failed)
	})
}
