package plugin

import (
	"fmt"
	"time"
)

// DiagKind classifies a plugin diagnostic.
type DiagKind int

const (
	// DiagLoadFailed reports an invalid manifest found during Load.
	DiagLoadFailed DiagKind = iota
	// DiagSpawnFailed reports a plugin that could not be started.
	DiagSpawnFailed
	// DiagCrash reports an unexpected plugin exit.
	DiagCrash
	// DiagRestarting reports a scheduled restart.
	DiagRestarting
	// DiagRecovered reports a plugin running again after a restart.
	DiagRecovered
	// DiagDisabled reports a plugin disabled after exhausting restarts.
	DiagDisabled
	// DiagEventFailed reports an event the plugin failed to handle.
	DiagEventFailed
	// DiagEventMuted reports an event kind no longer sent to a plugin.
	DiagEventMuted
	// DiagEventDropped reports an event dropped because the mailbox was full.
	DiagEventDropped
	// DiagLog carries a log line sent by the plugin.
	DiagLog
)

// String returns the wire name of the kind.
func (k DiagKind) String() string {
	switch k {
	case DiagLoadFailed:
		return "load_failed"
	case DiagSpawnFailed:
		return "spawn_failed"
	case DiagCrash:
		return "crash"
	case DiagRestarting:
		return "restarting"
	case DiagRecovered:
		return "recovered"
	case DiagDisabled:
		return "disabled"
	case DiagEventFailed:
		return "event_failed"
	case DiagEventMuted:
		return "event_muted"
	case DiagEventDropped:
		return "event_dropped"
	case DiagLog:
		return "log"
	default:
		return "unknown"
	}
}

// Diagnostic is an event about a plugin's health.
type Diagnostic struct {
	Kind   DiagKind
	Plugin string

	// Event is set for event delivery diagnostics.
	Event EventKind

	// Attempt and Delay are set for DiagRestarting.
	Attempt int
	Delay   time.Duration

	// Message is set for DiagLog.
	Message string

	Err error
}

// String returns a one-line description suitable for logs and the front-end.
func (d Diagnostic) String() string {
	switch d.Kind {
	case DiagRestarting:
		return fmt.Sprintf("%s: restart %d in %s", d.Plugin, d.Attempt, d.Delay)
	case DiagRecovered:
		return fmt.Sprintf("%s: recovered", d.Plugin)
	case DiagLog:
		return fmt.Sprintf("%s: %s", d.Plugin, d.Message)
	case DiagEventFailed, DiagEventMuted, DiagEventDropped:
		if d.Err != nil {
			return fmt.Sprintf("%s: %s %s: %v", d.Plugin, d.Kind, d.Event, d.Err)
		}
		return fmt.Sprintf("%s: %s %s", d.Plugin, d.Kind, d.Event)
	}
	if d.Err != nil {
		return fmt.Sprintf("%s: %s: %v", d.Plugin, d.Kind, d.Err)
	}
	return fmt.Sprintf("%s: %s", d.Plugin, d.Kind)
}
