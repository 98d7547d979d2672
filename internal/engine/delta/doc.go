// Package delta describes edits to a rope as a sequence of copy and insert
// operations over a base document.
//
// A Delta built against a document of BaseLen bytes produces a document of
// NewLen bytes. Copy ops reference base byte ranges in ascending,
// non-overlapping order; any base range not copied is deleted. Deltas can be
// applied, inverted, composed, and transformed against concurrent deltas.
package delta
