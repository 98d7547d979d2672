// Package buffer keeps the open documents of an editing session.
//
// Each Buffer owns a rope and a revision counter. The Store maps ids to
// buffers and serializes edits per buffer, so edits to different buffers
// never contend while edits to one buffer apply one at a time.
package buffer
