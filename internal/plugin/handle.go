package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dshills/keyproxy/internal/dispatch"
)

// Handle is the catalog's runtime record of one plugin. It owns the
// plugin's mailbox and the goroutine that delivers events and restarts the
// plugin after crashes.
type Handle struct {
	id     uint64
	desc   *Description
	events eventTable

	cfg     Config
	spawner Spawner
	env     Env
	emit    func(Diagnostic)
	log     *log.Logger

	mailbox chan Event

	mu       sync.RWMutex
	state    State
	restarts int
	lastErr  error
	failures map[EventKind]int
	muted    map[EventKind]bool

	delivered atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func newHandle(id uint64, desc *Description, c *Catalog) *Handle {
	return &Handle{
		id:       id,
		desc:     desc,
		events:   newEventTable(desc.Events),
		cfg:      c.cfg,
		spawner:  c.spawners[desc.Runtime],
		env:      c.env(),
		emit:     c.emit,
		log:      c.log.With("plugin", desc.Name),
		mailbox:  make(chan Event, c.cfg.MailboxSize),
		state:    StateStopped,
		failures: make(map[EventKind]int),
		muted:    make(map[EventKind]bool),
		cancel:   func() {},
		done:     make(chan struct{}),
	}
}

// ID returns the catalog-assigned id of this handle.
func (h *Handle) ID() uint64 {
	return h.id
}

// Name returns the plugin name.
func (h *Handle) Name() string {
	return h.desc.Name
}

// Description returns the plugin's description.
func (h *Handle) Description() *Description {
	return h.desc
}

// State returns the current liveness state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Restarts returns how many restarts have been attempted.
func (h *Handle) Restarts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.restarts
}

// Err returns the most recent spawn or crash error.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Delivered returns the number of events the plugin acknowledged.
func (h *Handle) Delivered() uint64 {
	return h.delivered.Load()
}

// Subscribed reports whether the plugin currently receives events of kind k.
func (h *Handle) Subscribed(k EventKind) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.events.has(k) && !h.muted[k]
}

// Failures returns the consecutive failure count for events of kind k.
func (h *Handle) Failures(k EventKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.failures[k]
}

// Status returns a snapshot of the handle.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Status{
		Name:     h.desc.Name,
		Version:  h.desc.Version,
		Runtime:  h.desc.Runtime,
		State:    h.state,
		Restarts: h.restarts,
	}
	for _, k := range h.events.kinds() {
		if !h.muted[k] {
			st.Events = append(st.Events, k)
		}
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	return st
}

func (h *Handle) setState(s State, err error) {
	h.mu.Lock()
	h.state = s
	if err != nil {
		h.lastErr = err
	}
	h.mu.Unlock()
}

// disable marks a plugin the manifest turned off. It never runs.
func (h *Handle) disable() {
	h.setState(StateDisabled, nil)
	close(h.done)
}

// start spawns the plugin once and hands it to the supervising goroutine.
// A spawn failure is returned but the goroutine still retries it.
func (h *Handle) start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	inst, err := h.spawn(ctx)
	go h.run(ctx, inst)
	return err
}

// stop cancels the supervising goroutine and waits for it, or for ctx.
func (h *Handle) stop(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) spawn(ctx context.Context) (Instance, error) {
	h.setState(StateStarting, nil)

	inst, err := h.spawner(ctx, h.desc, h.env)
	if err != nil {
		var se *SpawnError
		if !errors.As(err, &se) {
			err = &SpawnError{Plugin: h.desc.Name, Path: h.desc.Command(), Err: err}
		}
		h.setState(StateUnavailable, err)
		h.log.Warn("plugin failed to start", "err", err)
		h.emit(Diagnostic{Kind: DiagSpawnFailed, Plugin: h.desc.Name, Err: err})
		return nil, err
	}

	h.setState(StateRunning, nil)
	h.log.Debug("plugin started")
	return inst, nil
}

// run delivers events to inst and restarts the plugin when it exits or
// fails to spawn, until ctx is canceled or the restart budget is spent.
func (h *Handle) run(ctx context.Context, inst Instance) {
	defer close(h.done)

	policy := h.cfg.Restart
	attempt := 0

	for {
		if inst != nil {
			started := time.Now()
			err := h.serve(ctx, inst)
			if ctx.Err() != nil {
				h.setState(StateStopped, nil)
				return
			}

			h.drain()
			h.setState(StateDead, err)
			h.log.Warn("plugin crashed", "err", err)
			h.emit(Diagnostic{Kind: DiagCrash, Plugin: h.desc.Name, Err: err})

			if time.Since(started) >= policy.ResetWindow {
				attempt = 0
			}
		}

		attempt++
		if attempt > policy.MaxRestarts {
			err := h.Err()
			h.setState(StateDisabled, nil)
			h.log.Error("plugin disabled", "restarts", attempt-1, "err", err)
			h.emit(Diagnostic{Kind: DiagDisabled, Plugin: h.desc.Name, Attempt: attempt - 1, Err: err})
			return
		}

		delay := policy.Delay(attempt)
		h.mu.Lock()
		h.restarts++
		h.mu.Unlock()
		h.emit(Diagnostic{Kind: DiagRestarting, Plugin: h.desc.Name, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.setState(StateStopped, nil)
			return
		case <-timer.C:
		}

		var err error
		inst, err = h.spawn(ctx)
		if err == nil {
			h.emit(Diagnostic{Kind: DiagRecovered, Plugin: h.desc.Name, Attempt: attempt})
		}
	}
}

// serve pumps the mailbox into inst. It returns nil after stopping inst
// when ctx is canceled, or the exit error when inst exits on its own.
func (h *Handle) serve(ctx context.Context, inst Instance) error {
	for {
		select {
		case <-ctx.Done():
			if err := inst.Stop(h.cfg.StopGrace); err != nil {
				h.log.Warn("plugin stop failed", "err", err)
			}
			return nil
		case <-inst.Done():
			if err := inst.Err(); err != nil {
				return err
			}
			return ErrUnexpectedExit
		case ev := <-h.mailbox:
			h.deliver(ctx, inst, ev)
		}
	}
}

func (h *Handle) deliver(ctx context.Context, inst Instance, ev Event) {
	if !h.Subscribed(ev.Kind) {
		return
	}

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if h.cfg.CallTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, h.cfg.CallTimeout)
	}
	err := inst.Deliver(cctx, ev)
	cancel()

	if err == nil {
		h.mu.Lock()
		h.failures[ev.Kind] = 0
		h.mu.Unlock()
		h.delivered.Add(1)
		return
	}

	// Stopping or crashing is handled by serve.
	if ctx.Err() != nil || errors.Is(err, dispatch.ErrClosed) {
		return
	}
	select {
	case <-inst.Done():
		return
	default:
	}

	h.mu.Lock()
	h.failures[ev.Kind]++
	n := h.failures[ev.Kind]
	mute := h.cfg.MaxEventFailures > 0 && n >= h.cfg.MaxEventFailures && !h.muted[ev.Kind]
	if mute {
		h.muted[ev.Kind] = true
	}
	h.mu.Unlock()

	h.log.Warn("plugin event failed", "event", ev.Kind, "failures", n, "err", err)
	h.emit(Diagnostic{Kind: DiagEventFailed, Plugin: h.desc.Name, Event: ev.Kind, Err: err})
	if mute {
		h.emit(Diagnostic{Kind: DiagEventMuted, Plugin: h.desc.Name, Event: ev.Kind, Err: err})
	}
}

// enqueue offers ev to the plugin without blocking. Events for plugins that
// are not running, or that do not take ev.Kind, are skipped.
func (h *Handle) enqueue(ev Event) bool {
	if h.State() != StateRunning || !h.Subscribed(ev.Kind) {
		return false
	}
	select {
	case h.mailbox <- ev:
		return true
	default:
		h.emit(Diagnostic{Kind: DiagEventDropped, Plugin: h.desc.Name, Event: ev.Kind, Err: ErrMailboxFull})
		return false
	}
}

// drain discards events queued for a crashed instance.
func (h *Handle) drain() {
	for {
		select {
		case <-h.mailbox:
		default:
			return
		}
	}
}
