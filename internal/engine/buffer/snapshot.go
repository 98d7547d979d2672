package buffer

import "github.com/dshills/keyproxy/internal/engine/rope"

// Snapshot is a read-only view of a buffer at one revision. It stays valid
// after later edits or after the buffer is closed.
type Snapshot struct {
	ID       ID
	Path     string
	Content  rope.Rope
	Revision uint64
}

// Text returns the full content.
func (s Snapshot) Text() string {
	return s.Content.String()
}

// Len returns the content length in bytes.
func (s Snapshot) Len() int {
	return s.Content.Len()
}

// LineCount returns the number of lines.
func (s Snapshot) LineCount() int {
	return s.Content.LineCount()
}

// MaxLineLen returns the byte length of the longest line.
func (s Snapshot) MaxLineLen() int {
	return s.Content.MaxLineLen()
}
