package plugin

import "fmt"

// State is the liveness state of a plugin.
type State int32

const (
	// StateStarting means the plugin is being spawned.
	StateStarting State = iota
	// StateRunning means the plugin is live and receiving events.
	StateRunning
	// StateDead means the plugin exited unexpectedly and awaits restart.
	StateDead
	// StateUnavailable means the plugin could not be spawned and awaits retry.
	StateUnavailable
	// StateDisabled means the plugin is off for the session, either by
	// manifest or after exhausting its restarts.
	StateDisabled
	// StateStopped means the plugin was stopped by the catalog.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	case StateUnavailable:
		return "unavailable"
	case StateDisabled:
		return "disabled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateStarting; st <= StateStopped; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown plugin state %q", text)
}
