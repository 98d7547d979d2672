package main

import (
	"errors"
	"fmt"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/dshills/keyproxy/internal/engine/delta"
	"github.com/dshills/keyproxy/internal/engine/rope"
)

// counter keeps a copy of each buffer and reports its statistics after
// every change.
type counter struct {
	mu   sync.Mutex
	docs map[uint64]rope.Rope

	report func(string)

	// resync refetches a buffer whose copy fell out of step.
	resync func(id uint64)
}

func newCounter(report func(string)) *counter {
	return &counter{
		docs:   make(map[uint64]rope.Rope),
		report: report,
		resync: func(uint64) {},
	}
}

func (c *counter) open(id uint64, content string) {
	c.reset(id, content)
}

func (c *counter) reset(id uint64, content string) {
	r := rope.FromString(content)
	c.mu.Lock()
	c.docs[id] = r
	c.mu.Unlock()
	c.report(stats(id, r))
}

func (c *counter) update(id uint64, d delta.Delta) error {
	c.mu.Lock()
	r, ok := c.docs[id]
	if !ok {
		c.mu.Unlock()
		c.resync(id)
		return nil
	}
	next, err := delta.Apply(r, d)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, delta.ErrDeltaMismatch) {
			c.resync(id)
			return nil
		}
		return err
	}
	c.docs[id] = next
	c.mu.Unlock()

	c.report(stats(id, next))
	return nil
}

func (c *counter) close(id uint64) {
	c.mu.Lock()
	delete(c.docs, id)
	c.mu.Unlock()
}

func (c *counter) words(id uint64) (int, bool) {
	c.mu.Lock()
	r, ok := c.docs[id]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	return countWords(r), true
}

func stats(id uint64, r rope.Rope) string {
	return fmt.Sprintf("buffer %d: %d lines, %d words, %d bytes", id, r.LineCount(), countWords(r), r.Len())
}

// countWords counts whitespace-separated words across the rope's chunks.
// Chunks never split a UTF-8 sequence.
func countWords(r rope.Rope) int {
	n := 0
	inWord := false
	r.Chunks(func(s string) bool {
		for len(s) > 0 {
			ch, size := utf8.DecodeRuneInString(s)
			s = s[size:]
			if unicode.IsSpace(ch) {
				inWord = false
				continue
			}
			if !inWord {
				n++
				inWord = true
			}
		}
		return true
	})
	return n
}
