package plugin

import (
	"errors"
	"fmt"
)

// Manifest validation errors.
var (
	// ErrNoManifest is returned when a directory holds no plugin manifest.
	ErrNoManifest = errors.New("no plugin manifest")

	// ErrMissingName is returned when a manifest has no name.
	ErrMissingName = errors.New("manifest: name is required")

	// ErrInvalidName is returned when a manifest name has invalid characters.
	ErrInvalidName = errors.New("manifest: name must be lowercase alphanumeric with hyphens")

	// ErrMissingVersion is returned when a manifest has no version.
	ErrMissingVersion = errors.New("manifest: version is required")

	// ErrInvalidVersion is returned when a manifest version is not semver.
	ErrInvalidVersion = errors.New("manifest: version must be semver (e.g., 1.0.0)")

	// ErrMissingExec is returned when a manifest has no exec_path.
	ErrMissingExec = errors.New("manifest: exec_path is required")

	// ErrInvalidRuntime is returned for an unknown runtime.
	ErrInvalidRuntime = errors.New("manifest: unknown runtime")

	// ErrInvalidEvent is returned for an unknown event kind.
	ErrInvalidEvent = errors.New("manifest: unknown event")
)

// Runtime errors.
var (
	// ErrPluginNotFound is returned when a plugin is not in the catalog.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrMailboxFull is reported when an event is dropped for a busy plugin.
	ErrMailboxFull = errors.New("plugin mailbox full")

	// ErrUnexpectedExit is reported when a plugin exits without being stopped.
	ErrUnexpectedExit = errors.New("plugin exited unexpectedly")

	// ErrCatalogClosed is returned by Load after Close.
	ErrCatalogClosed = errors.New("plugin catalog closed")
)

// SpawnError reports a plugin that could not be started.
type SpawnError struct {
	Plugin string
	Path   string
	Err    error
}

// Error implements error.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn plugin %s (%s): %v", e.Plugin, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SpawnError) Unwrap() error {
	return e.Err
}
