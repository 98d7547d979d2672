package pluginkit

import "github.com/dshills/keyproxy/internal/engine/delta"

// Methods the host sends to plugins.
const (
	MethodNewBuffer   = "new_buffer"
	MethodUpdate      = "update"
	MethodCloseBuffer = "close_buffer"
)

// Methods plugins send to the host.
const (
	MethodBufferText = "buffer_text"
	MethodLog        = "log"
)

// NewBufferParams announces a buffer opened on the host.
type NewBufferParams struct {
	BufferID uint64 `json:"buffer_id"`
	Path     string `json:"path,omitempty"`
	Content  string `json:"content"`
	Revision uint64 `json:"revision"`
}

// UpdateParams carries an edit applied on the host. Delta is based on the
// buffer content at Revision-1.
type UpdateParams struct {
	BufferID uint64      `json:"buffer_id"`
	Revision uint64      `json:"revision"`
	Delta    delta.Delta `json:"delta"`
}

// CloseBufferParams announces a closed buffer.
type CloseBufferParams struct {
	BufferID uint64 `json:"buffer_id"`
}

// BufferTextParams asks the host for a buffer's content.
type BufferTextParams struct {
	BufferID uint64 `json:"buffer_id"`
}

// BufferTextResult is the host's answer to buffer_text.
type BufferTextResult struct {
	Text     string `json:"text"`
	Revision uint64 `json:"revision"`
}

// LogParams is a log line a plugin asks the host to record.
type LogParams struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}
