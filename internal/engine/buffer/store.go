package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dshills/keyproxy/internal/engine/delta"
	"github.com/dshills/keyproxy/internal/engine/rope"
	"github.com/dshills/keyproxy/internal/idgen"
)

// Store owns all open buffers of a session.
//
// The map lock is only held to look buffers up; edits take the per-buffer
// lock. Callers that need edits applied in a particular order must issue
// them in that order, as the dispatcher does for inbound requests.
type Store struct {
	mu      sync.RWMutex
	buffers map[ID]*Buffer
	ids     *idgen.Generator
}

// NewStore returns an empty store drawing ids from ids.
func NewStore(ids *idgen.Generator) *Store {
	if ids == nil {
		ids = idgen.New()
	}
	return &Store{
		buffers: make(map[ID]*Buffer),
		ids:     ids,
	}
}

// Create registers a new buffer holding content and returns its id.
func (s *Store) Create(content string, opts ...Option) ID {
	return s.add(rope.FromString(content), opts...)
}

// Open reads the file at path into a new buffer.
func (s *Store) Open(path string) (ID, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open buffer: %w", err)
	}
	defer f.Close()

	content, err := rope.FromReader(f)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return s.add(content, WithPath(path)), nil
}

func (s *Store) add(content rope.Rope, opts ...Option) ID {
	id := ID(s.ids.Next())
	b := newBuffer(id, content, opts...)

	s.mu.Lock()
	s.buffers[id] = b
	s.mu.Unlock()

	return id
}

func (s *Store) get(id ID) (*Buffer, error) {
	s.mu.RLock()
	b, ok := s.buffers[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBufferNotFound, id)
	}
	return b, nil
}

// ApplyDelta applies d to the buffer and bumps its revision. On error the
// buffer is left unchanged.
func (s *Store) ApplyDelta(id ID, d delta.Delta) (EditSummary, error) {
	b, err := s.get(id)
	if err != nil {
		return EditSummary{}, err
	}
	sum, err := b.apply(d)
	if err != nil {
		return EditSummary{}, fmt.Errorf("buffer %d: %w", id, err)
	}
	return sum, nil
}

// Undo reverts the newest edit of a buffer. It fails with
// history.ErrNothingToUndo when there is none.
func (s *Store) Undo(id ID) (EditSummary, error) {
	b, err := s.get(id)
	if err != nil {
		return EditSummary{}, err
	}
	sum, err := b.undo()
	if err != nil {
		return EditSummary{}, fmt.Errorf("buffer %d: %w", id, err)
	}
	return sum, nil
}

// Redo reapplies the newest undone edit of a buffer. It fails with
// history.ErrNothingToRedo when there is none.
func (s *Store) Redo(id ID) (EditSummary, error) {
	b, err := s.get(id)
	if err != nil {
		return EditSummary{}, err
	}
	sum, err := b.redo()
	if err != nil {
		return EditSummary{}, fmt.Errorf("buffer %d: %w", id, err)
	}
	return sum, nil
}

// Snapshot returns the current state of a buffer.
func (s *Store) Snapshot(id ID) (Snapshot, error) {
	b, err := s.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return b.snapshot(), nil
}

// Text returns a buffer's content and revision.
func (s *Store) Text(id ID) (string, uint64, error) {
	snap, err := s.Snapshot(id)
	if err != nil {
		return "", 0, err
	}
	return snap.Text(), snap.Revision, nil
}

// Save writes the buffer to path, or to its own path when path is empty.
// The file is replaced atomically. A successful save with an explicit path
// becomes the buffer's path.
func (s *Store) Save(id ID, path string) (int64, error) {
	b, err := s.get(id)
	if err != nil {
		return 0, err
	}

	snap := b.snapshot()
	if path == "" {
		path = snap.Path
	}
	if path == "" {
		return 0, fmt.Errorf("buffer %d: %w", id, ErrNoPath)
	}

	n, err := writeAtomic(path, snap.Content)
	if err != nil {
		return 0, fmt.Errorf("save buffer %d: %w", id, err)
	}
	b.setPath(path)
	return n, nil
}

func writeAtomic(path string, content rope.Rope) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".keyproxy-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := content.WriteTo(tmp)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), path)
}

// Close removes a buffer. Closing an unknown id is a no-op; the return
// value reports whether a buffer was removed.
func (s *Store) Close(id ID) bool {
	s.mu.Lock()
	b, ok := s.buffers[id]
	delete(s.buffers, id)
	s.mu.Unlock()

	if ok {
		b.close()
	}
	return ok
}

// IDs returns the ids of all open buffers in ascending order.
func (s *Store) IDs() []ID {
	s.mu.RLock()
	ids := make([]ID, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Len returns the number of open buffers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}
