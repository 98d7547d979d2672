package dispatch

import (
	"sync/atomic"

	"github.com/dshills/keyproxy/internal/rpc"
)

// Reply is the completion token for one inbound request. The first call to
// Result or Error sends the response; later calls return ErrAlreadyReplied.
type Reply struct {
	d      *Dispatcher
	id     uint64
	method string
	notify bool
	done   atomic.Bool
}

// ID returns the request id, or 0 for a notification.
func (r *Reply) ID() uint64 {
	return r.id
}

// Replied reports whether the token has been fulfilled.
func (r *Reply) Replied() bool {
	return r.done.Load()
}

// Result sends a success response carrying v.
func (r *Reply) Result(v any) error {
	if !r.done.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if r.notify {
		return nil
	}

	resp, err := rpc.NewResult(r.id, v)
	if err != nil {
		resp = rpc.NewErrorResponse(r.id, rpc.NewError(rpc.CodeInternalError, "encode result: %v", err))
	}
	return r.d.write(resp)
}

// Error sends an error response derived from err.
func (r *Reply) Error(err error) error {
	if !r.done.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if r.notify {
		r.d.log.Warn("notification handler failed", "method", r.method, "err", err)
		return nil
	}
	return r.d.write(rpc.NewErrorResponse(r.id, r.d.coder(err)))
}
