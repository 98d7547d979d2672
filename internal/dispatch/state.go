package dispatch

// State is the position of the dispatcher's read loop.
type State int32

const (
	// StateIdle means the loop is not running.
	StateIdle State = iota

	// StateReadingFrame means the loop is waiting for the next frame.
	StateReadingFrame

	// StateRouting means a frame is being classified and routed.
	StateRouting

	// StateCompleted means the last request was answered synchronously.
	StateCompleted

	// StateAwaitingHandler means the last request was handed to a handler
	// that has not replied yet.
	StateAwaitingHandler
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadingFrame:
		return "reading"
	case StateRouting:
		return "routing"
	case StateCompleted:
		return "completed"
	case StateAwaitingHandler:
		return "awaiting_handler"
	default:
		return "unknown"
	}
}
