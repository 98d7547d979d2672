package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame indicates a frame that is not a valid message.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport closed")
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Application codes.
	CodeDeltaMismatch    = -32001
	CodeBufferNotFound   = -32002
	CodeNoHistory        = -32003
	CodeRequestCancelled = -32800
)

// Error is the error object carried by an error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewError returns an Error with the given code and message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError reports a frame that could not be decoded. The stream is
// still usable; the caller may log it and keep reading.
type TransportError struct {
	Frame []byte
	Err   error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	const limit = 64
	frame := e.Frame
	if len(frame) > limit {
		frame = frame[:limit]
	}
	return fmt.Sprintf("transport: %v: %q", e.Err, frame)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}
