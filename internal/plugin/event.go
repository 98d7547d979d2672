package plugin

import (
	"fmt"

	"github.com/dshills/keyproxy/internal/engine/delta"
	"github.com/dshills/keyproxy/pkg/pluginkit"
)

// EventKind names a buffer event delivered to plugins. The set is closed.
type EventKind string

const (
	EventNewBuffer   EventKind = pluginkit.MethodNewBuffer
	EventUpdate      EventKind = pluginkit.MethodUpdate
	EventCloseBuffer EventKind = pluginkit.MethodCloseBuffer
)

// AllEvents lists every event kind in delivery-table order.
var AllEvents = []EventKind{EventNewBuffer, EventUpdate, EventCloseBuffer}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventNewBuffer, EventUpdate, EventCloseBuffer:
		return true
	}
	return false
}

// Event is one buffer event fanned out to plugins.
type Event struct {
	Kind     EventKind
	BufferID uint64
	Revision uint64

	// Path and Content are set for EventNewBuffer.
	Path    string
	Content string

	// Delta is set for EventUpdate.
	Delta delta.Delta
}

// Method returns the wire method the event is sent as.
func (e Event) Method() string {
	return string(e.Kind)
}

// Params returns the wire params for the event.
func (e Event) Params() any {
	switch e.Kind {
	case EventNewBuffer:
		return pluginkit.NewBufferParams{
			BufferID: e.BufferID,
			Path:     e.Path,
			Content:  e.Content,
			Revision: e.Revision,
		}
	case EventUpdate:
		return pluginkit.UpdateParams{
			BufferID: e.BufferID,
			Revision: e.Revision,
			Delta:    e.Delta,
		}
	case EventCloseBuffer:
		return pluginkit.CloseBufferParams{BufferID: e.BufferID}
	default:
		return nil
	}
}

// String returns a short description for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s(buffer=%d rev=%d)", e.Kind, e.BufferID, e.Revision)
}

// eventTable records which event kinds a plugin receives.
type eventTable map[EventKind]bool

func newEventTable(kinds []EventKind) eventTable {
	t := make(eventTable, len(AllEvents))
	if len(kinds) == 0 {
		kinds = AllEvents
	}
	for _, k := range kinds {
		t[k] = true
	}
	return t
}

func (t eventTable) has(k EventKind) bool {
	return t[k]
}

func (t eventTable) kinds() []EventKind {
	out := make([]EventKind, 0, len(t))
	for _, k := range AllEvents {
		if t[k] {
			out = append(out, k)
		}
	}
	return out
}
