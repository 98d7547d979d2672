package process

import "errors"

var (
	// ErrNotStarted is returned when an operation needs a running process.
	ErrNotStarted = errors.New("process not started")

	// ErrAlreadyStarted is returned when starting a process twice.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrSupervisorShutdown is returned when starting a process after
	// Shutdown.
	ErrSupervisorShutdown = errors.New("supervisor is shut down")
)
