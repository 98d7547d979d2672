// Package rope implements an immutable B+ tree rope for text storage.
//
// Leaves hold bounded UTF-8 chunks and every node caches a Summary of the
// text beneath it. Summaries form a monoid, so length, line count and longest
// line are derived by combining cached values instead of rescanning text.
//
// All operations return new ropes; existing ropes are never modified, which
// makes a Rope safe to share between goroutines and cheap to snapshot.
//
// Offsets are byte offsets into the UTF-8 text.
package rope
