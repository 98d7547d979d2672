package delta

import "errors"

var (
	// ErrDeltaMismatch indicates a delta's base length does not match the
	// document or delta it is combined with.
	ErrDeltaMismatch = errors.New("delta base length mismatch")

	// ErrInvalidDelta indicates a delta whose ops are out of range,
	// out of order, or inconsistent with its recorded lengths.
	ErrInvalidDelta = errors.New("invalid delta")
)
