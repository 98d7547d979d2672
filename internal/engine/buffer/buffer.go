package buffer

import (
	"sync"

	"github.com/dshills/keyproxy/internal/engine/delta"
	"github.com/dshills/keyproxy/internal/engine/history"
	"github.com/dshills/keyproxy/internal/engine/rope"
)

// ID identifies a buffer within a Store.
type ID uint64

// Buffer is one open document. Content is replaced wholesale on each edit;
// old ropes stay valid for anyone holding a Snapshot.
type Buffer struct {
	mu       sync.Mutex
	id       ID
	path     string
	content  rope.Rope
	revision uint64
	closed   bool
	history  *history.History
}

// Option configures a new Buffer.
type Option func(*Buffer)

// WithHistoryLimit bounds the number of undoable edits kept.
func WithHistoryLimit(n int) Option {
	return func(b *Buffer) {
		b.history = history.New(n)
	}
}

// WithPath associates a file path with the buffer.
func WithPath(path string) Option {
	return func(b *Buffer) {
		b.path = path
	}
}

func newBuffer(id ID, content rope.Rope, opts ...Option) *Buffer {
	b := &Buffer{id: id, content: content, history: history.New(0)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EditSummary describes the buffer after an applied delta.
type EditSummary struct {
	ID         ID
	Revision   uint64
	OldLen     int
	NewLen     int
	LineCount  int
	MaxLineLen int

	// Delta is the edit that was applied.
	Delta delta.Delta

	// Inverse undoes the edit when applied to the new content.
	Inverse delta.Delta
}

// apply runs d against the buffer and records it for undo.
func (b *Buffer) apply(d delta.Delta) (EditSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return EditSummary{}, ErrBufferNotFound
	}
	sum, err := b.applyLocked(d)
	if err != nil {
		return EditSummary{}, err
	}
	b.history.Push(d, sum.Inverse)
	return sum, nil
}

// undo reverts the newest recorded edit.
func (b *Buffer) undo() (EditSummary, error) {
	return b.step(b.history.Undo)
}

// redo reapplies the newest undone edit.
func (b *Buffer) redo() (EditSummary, error) {
	return b.step(b.history.Redo)
}

func (b *Buffer) step(move func(func(delta.Delta) error) error) (EditSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return EditSummary{}, ErrBufferNotFound
	}
	var sum EditSummary
	err := move(func(d delta.Delta) error {
		var err error
		sum, err = b.applyLocked(d)
		return err
	})
	return sum, err
}

// applyLocked replaces the content with d applied to it. Metrics come from
// the new rope's root summary, which is assembled from the untouched
// subtrees.
func (b *Buffer) applyLocked(d delta.Delta) (EditSummary, error) {
	old := b.content
	next, err := delta.Apply(old, d)
	if err != nil {
		return EditSummary{}, err
	}
	inv, err := delta.Invert(d, old)
	if err != nil {
		return EditSummary{}, err
	}

	b.content = next
	b.revision++

	sum := next.Summary()
	return EditSummary{
		ID:         b.id,
		Revision:   b.revision,
		OldLen:     old.Len(),
		NewLen:     sum.Bytes,
		LineCount:  sum.Lines + 1,
		MaxLineLen: sum.LongestLine,
		Delta:      d,
		Inverse:    inv,
	}, nil
}

func (b *Buffer) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{ID: b.id, Path: b.path, Content: b.content, Revision: b.revision}
}

func (b *Buffer) setPath(path string) {
	b.mu.Lock()
	b.path = path
	b.mu.Unlock()
}

func (b *Buffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
