// Package history keeps per-buffer undo and redo stacks of deltas.
//
// Every applied edit is recorded as a pair: the forward delta and its
// inverse, computed against the content it was applied to. Undo applies the
// inverse of the newest entry; Redo applies the forward delta again:
//
//	h := history.New(1000)
//	h.Push(d, inverse)
//
//	h.Undo(func(inv delta.Delta) error { ... apply inv ... })
//	h.Redo(func(d delta.Delta) error { ... apply d ... })
//
// A new Push clears the redo stack.
package history
