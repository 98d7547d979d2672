package delta

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dshills/keyproxy/internal/engine/rope"
)

// OpKind identifies the variant of an Op.
type OpKind uint8

const (
	// OpCopy copies a byte range of the base document.
	OpCopy OpKind = iota

	// OpInsert inserts literal text.
	OpInsert
)

// Op is a single delta operation.
type Op struct {
	Kind OpKind

	// Start and End bound the copied base range for OpCopy.
	Start, End int

	// Text is the inserted text for OpInsert.
	Text string
}

// Copy returns an op copying base bytes [start, end).
func Copy(start, end int) Op {
	return Op{Kind: OpCopy, Start: start, End: end}
}

// Insert returns an op inserting text.
func Insert(text string) Op {
	return Op{Kind: OpInsert, Text: text}
}

// Len returns the number of bytes the op contributes to the new document.
func (o Op) Len() int {
	if o.Kind == OpInsert {
		return len(o.Text)
	}
	return o.End - o.Start
}

func (o Op) String() string {
	if o.Kind == OpInsert {
		return fmt.Sprintf("insert(%q)", o.Text)
	}
	return fmt.Sprintf("copy(%d,%d)", o.Start, o.End)
}

// Delta is an edit from a document of BaseLen bytes to one of NewLen bytes.
type Delta struct {
	BaseLen int
	NewLen  int
	Ops     []Op
}

// Identity returns the delta that leaves a document of baseLen bytes as is.
func Identity(baseLen int) Delta {
	return NewBuilder(baseLen).Copy(0, baseLen).Build()
}

// Replace returns the delta that replaces [start, end) of a document of
// baseLen bytes with text.
func Replace(baseLen, start, end int, text string) Delta {
	return NewBuilder(baseLen).
		Copy(0, start).
		Insert(text).
		Copy(end, baseLen).
		Build()
}

// IsIdentity reports whether applying d leaves the document unchanged.
func (d Delta) IsIdentity() bool {
	switch len(d.Ops) {
	case 0:
		return d.BaseLen == 0
	case 1:
		op := d.Ops[0]
		return op.Kind == OpCopy && op.Start == 0 && op.End == d.BaseLen
	}
	return false
}

// InsertedText returns the concatenation of all inserted text.
func (d Delta) InsertedText() string {
	var sb strings.Builder
	for _, op := range d.Ops {
		if op.Kind == OpInsert {
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}

// Validate checks that copy ranges lie within the base in ascending order,
// that inserted text is valid UTF-8, and that NewLen matches the ops.
func (d Delta) Validate() error {
	if d.BaseLen < 0 {
		return fmt.Errorf("%w: negative base length %d", ErrInvalidDelta, d.BaseLen)
	}

	prev, total := 0, 0
	for i, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			if op.Start < prev || op.Start > op.End || op.End > d.BaseLen {
				return fmt.Errorf("%w: op %d %s out of order or range (base %d)", ErrInvalidDelta, i, op, d.BaseLen)
			}
			prev = op.End
		case OpInsert:
			if !utf8.ValidString(op.Text) {
				return fmt.Errorf("%w: op %d inserts invalid UTF-8", ErrInvalidDelta, i)
			}
		default:
			return fmt.Errorf("%w: op %d has unknown kind %d", ErrInvalidDelta, i, op.Kind)
		}
		total += op.Len()
	}

	if total != d.NewLen {
		return fmt.Errorf("%w: ops produce %d bytes, new length is %d", ErrInvalidDelta, total, d.NewLen)
	}
	return nil
}

func (d Delta) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Delta{base=%d new=%d", d.BaseLen, d.NewLen)
	for _, op := range d.Ops {
		sb.WriteByte(' ')
		sb.WriteString(op.String())
	}
	sb.WriteByte('}')
	return sb.String()
}

// Apply returns the rope produced by applying d to r. Unchanged regions are
// shared with r rather than copied. A copy range that splits a UTF-8
// sequence of r is rejected with ErrInvalidDelta.
func Apply(r rope.Rope, d Delta) (rope.Rope, error) {
	if d.BaseLen != r.Len() {
		return r, fmt.Errorf("%w: delta base %d, document %d", ErrDeltaMismatch, d.BaseLen, r.Len())
	}
	if err := d.Validate(); err != nil {
		return r, err
	}
	if err := d.checkBoundaries(r.IsCharBoundary); err != nil {
		return r, err
	}
	if d.IsIdentity() {
		return r, nil
	}

	out := rope.New()
	for _, op := range d.Ops {
		if op.Kind == OpCopy {
			out = out.Concat(r.SubRope(op.Start, op.End))
		} else {
			out = out.Concat(rope.FromString(op.Text))
		}
	}
	return out, nil
}

// ApplyString applies d to s.
func (d Delta) ApplyString(s string) (string, error) {
	if d.BaseLen != len(s) {
		return s, fmt.Errorf("%w: delta base %d, text %d", ErrDeltaMismatch, d.BaseLen, len(s))
	}
	if err := d.Validate(); err != nil {
		return s, err
	}
	err := d.checkBoundaries(func(i int) bool {
		return i == 0 || i == len(s) || utf8.RuneStart(s[i])
	})
	if err != nil {
		return s, err
	}

	var sb strings.Builder
	sb.Grow(d.NewLen)
	for _, op := range d.Ops {
		if op.Kind == OpCopy {
			sb.WriteString(s[op.Start:op.End])
		} else {
			sb.WriteString(op.Text)
		}
	}
	return sb.String(), nil
}

// checkBoundaries rejects copy ranges whose ends are not character
// boundaries of the base. Ranges are assumed valid.
func (d Delta) checkBoundaries(onBoundary func(int) bool) error {
	for i, op := range d.Ops {
		if op.Kind != OpCopy {
			continue
		}
		if !onBoundary(op.Start) || !onBoundary(op.End) {
			return fmt.Errorf("%w: op %d %s splits a UTF-8 sequence", ErrInvalidDelta, i, op)
		}
	}
	return nil
}

// Builder accumulates ops into a normalized delta: empty ops are dropped and
// adjacent ops of the same kind are merged.
type Builder struct {
	base int
	ops  []Op
	size int
}

// NewBuilder returns a builder for a delta over a base of baseLen bytes.
func NewBuilder(baseLen int) *Builder {
	return &Builder{base: baseLen}
}

// Copy appends a copy of base bytes [start, end).
func (b *Builder) Copy(start, end int) *Builder {
	if end <= start {
		return b
	}
	b.size += end - start
	if n := len(b.ops); n > 0 && b.ops[n-1].Kind == OpCopy && b.ops[n-1].End == start {
		b.ops[n-1].End = end
		return b
	}
	b.ops = append(b.ops, Copy(start, end))
	return b
}

// Insert appends inserted text.
func (b *Builder) Insert(text string) *Builder {
	if text == "" {
		return b
	}
	b.size += len(text)
	if n := len(b.ops); n > 0 && b.ops[n-1].Kind == OpInsert {
		b.ops[n-1].Text += text
		return b
	}
	b.ops = append(b.ops, Insert(text))
	return b
}

// Build returns the accumulated delta.
func (b *Builder) Build() Delta {
	return Delta{BaseLen: b.base, NewLen: b.size, Ops: b.ops}
}
