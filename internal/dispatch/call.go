package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Call is an outbound request awaiting its response. It completes exactly
// once: with the peer's response, on cancellation, or when the dispatcher
// stops serving.
type Call struct {
	ID     uint64
	Method string

	d    *Dispatcher
	done chan struct{}
	once sync.Once

	result json.RawMessage
	err    error

	mu        sync.Mutex
	fired     bool
	callbacks []func(json.RawMessage, error)
}

func newCall(d *Dispatcher, id uint64, method string) *Call {
	return &Call{ID: id, Method: method, d: d, done: make(chan struct{})}
}

func (c *Call) complete(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.result, c.err = result, err
		close(c.done)

		c.mu.Lock()
		callbacks := c.callbacks
		c.callbacks = nil
		c.fired = true
		c.mu.Unlock()

		for _, fn := range callbacks {
			go fn(result, err)
		}
	})
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx ends. When ctx ends first the
// call is canceled. Wait returns ErrBlockingSelfCall without waiting when
// ctx belongs to a handler of the same dispatcher.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	if inHandler(ctx, c.d) {
		return nil, ErrBlockingSelfCall
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		c.cancel(fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()))
		<-c.done
	}
	return c.result, c.err
}

// WaitInto waits and decodes a successful result into v.
func (c *Call) WaitInto(ctx context.Context, v any) error {
	result, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", c.Method, err)
	}
	return nil
}

// Cancel removes the call from the pending table and completes it with
// ErrCanceled. It returns false if the call had already completed or a
// response was already being delivered; a response arriving later is
// discarded.
func (c *Call) Cancel() bool {
	return c.cancel(ErrCanceled)
}

func (c *Call) cancel(err error) bool {
	if !c.d.takePending(c.ID) {
		return false
	}
	c.complete(nil, err)
	return true
}

// OnComplete registers fn to run once the call completes. fn runs on its own
// goroutine, so it may be registered from inside a handler.
func (c *Call) OnComplete(fn func(result json.RawMessage, err error)) {
	c.mu.Lock()
	if !c.fired {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	go fn(c.result, c.err)
}
