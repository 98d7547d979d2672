package dispatch

import (
	"context"
	"encoding/json"

	"github.com/dshills/keyproxy/internal/rpc"
)

// Request is an inbound request or notification as seen by a handler.
type Request struct {
	ID     uint64
	Method string
	Params json.RawMessage

	// Notification is true when no response will be sent.
	Notification bool
}

// Handler serves one method. It must fulfil reply exactly once, either
// before returning or later from any goroutine. For notifications the reply
// is accepted and discarded.
type Handler func(ctx context.Context, req *Request, reply *Reply)

type handlerEntry struct {
	fn     Handler
	inline bool
}

// HandleOption configures a registered handler.
type HandleOption func(*handlerEntry)

// Inline runs the handler on the read loop. Inline handlers observe
// messages strictly in receipt order and must not block.
func Inline() HandleOption {
	return func(e *handlerEntry) {
		e.inline = true
	}
}

// Func adapts a synchronous function to a Handler. A non-nil error becomes
// an error response.
func Func(fn func(ctx context.Context, params json.RawMessage) (any, error)) Handler {
	return func(ctx context.Context, req *Request, reply *Reply) {
		result, err := fn(ctx, req.Params)
		if err != nil {
			reply.Error(err)
			return
		}
		reply.Result(result)
	}
}

// Typed adapts a function taking decoded params. Params that fail to decode
// are answered with CodeInvalidParams without calling fn.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, req *Request, reply *Reply) {
		var params P
		if len(req.Params) > 0 && string(req.Params) != "null" {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				reply.Error(rpc.NewError(rpc.CodeInvalidParams, "invalid params for %s: %v", req.Method, err))
				return
			}
		}
		result, err := fn(ctx, params)
		if err != nil {
			reply.Error(err)
			return
		}
		reply.Result(result)
	}
}

type handlerKey struct{}

func withHandler(ctx context.Context, d *Dispatcher) context.Context {
	return context.WithValue(ctx, handlerKey{}, d)
}

// inHandler reports whether ctx belongs to a handler invoked by d.
func inHandler(ctx context.Context, d *Dispatcher) bool {
	owner, _ := ctx.Value(handlerKey{}).(*Dispatcher)
	return owner != nil && owner == d
}
