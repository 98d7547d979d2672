package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// job is one unit of work for the executor goroutine.
type job struct {
	fn     func(L *lua.LState) error
	result chan error
}

// executor serializes all access to an LState through one goroutine.
type executor struct {
	L      *lua.LState
	queue  chan *job
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newExecutor(L *lua.LState, queueSize int) *executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &executor{
		L:      L,
		queue:  make(chan *job, queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// run processes jobs until close. It owns the LState and closes it on exit.
func (e *executor) run() {
	defer close(e.exited)
	defer e.L.Close()
	for {
		select {
		case <-e.done:
			e.drain()
			return
		case j := <-e.queue:
			j.result <- e.exec(j)
		}
	}
}

func (e *executor) exec(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()
	return j.fn(e.L)
}

func (e *executor) drain() {
	for {
		select {
		case j := <-e.queue:
			j.result <- ErrClosed
		default:
			return
		}
	}
}

// do runs fn on the executor goroutine and waits for it. The LState's
// context is set to ctx for the duration of fn so that cancellation
// interrupts running Lua code.
func (e *executor) do(ctx context.Context, fn func(L *lua.LState) error) error {
	j := &job{
		fn: func(L *lua.LState) error {
			L.SetContext(ctx)
			defer L.RemoveContext()
			return fn(L)
		},
		result: make(chan error, 1),
	}

	select {
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case e.queue <- j:
	default:
		return ErrQueueFull
	}

	select {
	case err := <-j.result:
		if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return err
	case <-e.exited:
		select {
		case err := <-j.result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *executor) close() {
	e.once.Do(func() { close(e.done) })
}

// wait blocks until the executor goroutine has exited.
func (e *executor) wait() {
	<-e.exited
}
