package proxy

import (
	"errors"

	"github.com/dshills/keyproxy/internal/dispatch"
	"github.com/dshills/keyproxy/internal/engine/buffer"
	"github.com/dshills/keyproxy/internal/engine/delta"
	"github.com/dshills/keyproxy/internal/engine/history"
	"github.com/dshills/keyproxy/internal/rpc"
)

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("proxy already served")

// ErrorCoder maps buffer and delta errors to application error codes and
// defers to dispatch.DefaultErrorCoder for everything else.
func ErrorCoder(err error) *rpc.Error {
	switch {
	case errors.Is(err, delta.ErrDeltaMismatch):
		return &rpc.Error{Code: rpc.CodeDeltaMismatch, Message: err.Error()}
	case errors.Is(err, buffer.ErrBufferNotFound):
		return &rpc.Error{Code: rpc.CodeBufferNotFound, Message: err.Error()}
	case errors.Is(err, history.ErrNothingToUndo), errors.Is(err, history.ErrNothingToRedo):
		return &rpc.Error{Code: rpc.CodeNoHistory, Message: err.Error()}
	case errors.Is(err, delta.ErrInvalidDelta), errors.Is(err, buffer.ErrNoPath):
		return &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}
	return dispatch.DefaultErrorCoder(err)
}
