package dispatch

import (
	"context"
	"errors"

	"github.com/dshills/keyproxy/internal/rpc"
)

var (
	// ErrAlreadyReplied is returned when a Reply is fulfilled twice.
	ErrAlreadyReplied = errors.New("request already replied")

	// ErrBlockingSelfCall is returned by Call.Wait when invoked from a
	// handler of the same dispatcher, whose read loop would have to route
	// the very response being waited for. Use Call.OnComplete instead.
	ErrBlockingSelfCall = errors.New("blocking call from handler context")

	// ErrCanceled completes a call that was canceled before its response.
	ErrCanceled = errors.New("call canceled")

	// ErrClosed is returned for calls on a dispatcher that stopped serving.
	ErrClosed = errors.New("dispatcher closed")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")
)

// ErrorCoder maps a handler error to the error object sent to the peer.
type ErrorCoder func(error) *rpc.Error

// DefaultErrorCoder passes *rpc.Error values through, maps cancellation to
// CodeRequestCancelled and everything else to CodeInternalError.
func DefaultErrorCoder(err error) *rpc.Error {
	var rpcErr *rpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCanceled):
		return &rpc.Error{Code: rpc.CodeRequestCancelled, Message: err.Error()}
	default:
		return &rpc.Error{Code: rpc.CodeInternalError, Message: err.Error()}
	}
}
