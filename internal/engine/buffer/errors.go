package buffer

import "errors"

var (
	// ErrBufferNotFound is returned for an id that was never issued or
	// whose buffer has been closed.
	ErrBufferNotFound = errors.New("buffer not found")

	// ErrNoPath is returned when saving a buffer that has no path.
	ErrNoPath = errors.New("buffer has no path")
)
