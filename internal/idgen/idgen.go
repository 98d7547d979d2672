// Package idgen hands out unique, monotonically increasing identifiers.
//
// A Generator is an explicit value rather than process-global state: each
// component that needs ids (buffer store, dispatchers, plugin catalog) is
// given its own generator, which keeps id sequences deterministic in tests.
package idgen

import "sync/atomic"

// None is the reserved "no id" value. Next never returns it.
const None uint64 = 0

// Generator produces strictly increasing ids. It is safe for concurrent use.
// The zero value is ready to use and starts at 1.
type Generator struct {
	last atomic.Uint64
}

// New returns a generator whose first id is 1.
func New() *Generator {
	return &Generator{}
}

// NewFrom returns a generator whose first id is start+1.
func NewFrom(start uint64) *Generator {
	g := &Generator{}
	g.last.Store(start)
	return g
}

// Next returns the next id.
func (g *Generator) Next() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently issued id, or None if none was issued.
func (g *Generator) Last() uint64 {
	return g.last.Load()
}
