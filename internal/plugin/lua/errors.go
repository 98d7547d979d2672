package lua

import "errors"

var (
	// ErrClosed is returned when using a closed script.
	ErrClosed = errors.New("lua script is closed")

	// ErrNoHandlers is returned when a script does not return a handler table.
	ErrNoHandlers = errors.New("lua script must return a table of handlers")

	// ErrQueueFull is returned when the executor queue cannot accept more work.
	ErrQueueFull = errors.New("lua executor queue full")
)
