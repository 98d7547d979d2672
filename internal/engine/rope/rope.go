package rope

import (
	"io"
	"strings"
)

// Rope is an immutable text sequence. The zero value is an empty rope.
type Rope struct {
	root *node
}

// New returns an empty rope.
func New() Rope {
	return Rope{}
}

// FromString builds a balanced rope holding s.
func FromString(s string) Rope {
	return Rope{root: build(chunksOf(s))}
}

// FromReader builds a rope from everything read from r.
func FromReader(r io.Reader) (Rope, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Rope{}, err
	}
	return FromString(string(data)), nil
}

// Len returns the length in bytes.
func (r Rope) Len() int {
	if r.root == nil {
		return 0
	}
	return r.root.sum.Bytes
}

// IsEmpty reports whether the rope holds no text.
func (r Rope) IsEmpty() bool {
	return r.Len() == 0
}

// Summary returns the aggregated metrics of the whole rope.
func (r Rope) Summary() Summary {
	if r.root == nil {
		return Summary{}
	}
	return r.root.sum
}

// LineCount returns the number of lines, which is one more than the number
// of newlines. An empty rope has one line.
func (r Rope) LineCount() int {
	return r.Summary().Lines + 1
}

// MaxLineLen returns the byte length of the longest line.
func (r Rope) MaxLineLen() int {
	return r.Summary().LongestLine
}

// String returns the full text.
func (r Rope) String() string {
	if r.root == nil {
		return ""
	}
	var sb strings.Builder
	sb.Grow(r.Len())
	r.root.walk(func(s string) bool {
		sb.WriteString(s)
		return true
	})
	return sb.String()
}

// Slice returns the text in [start, end). Offsets are clamped to the rope.
func (r Rope) Slice(start, end int) string {
	start, end = r.clamp(start, end)
	if start == end {
		return ""
	}
	var sb strings.Builder
	sb.Grow(end - start)
	r.root.appendRange(&sb, start, end)
	return sb.String()
}

// SubRope returns the rope covering [start, end), sharing unchanged nodes
// with r. Offsets are clamped to the rope.
func (r Rope) SubRope(start, end int) Rope {
	start, end = r.clamp(start, end)
	if start == end {
		return Rope{}
	}
	if start == 0 && end == r.Len() {
		return r
	}
	_, right := split(r.root, start)
	mid, _ := split(right, end-start)
	return Rope{root: mid}
}

// Split divides the rope at offset.
func (r Rope) Split(offset int) (Rope, Rope) {
	l, rr := split(r.root, offset)
	return Rope{root: l}, Rope{root: rr}
}

// Concat returns r followed by other.
func (r Rope) Concat(other Rope) Rope {
	return Rope{root: concat(r.root, other.root)}
}

// Insert returns a rope with text inserted at offset.
func (r Rope) Insert(offset int, text string) Rope {
	if text == "" {
		return r
	}
	l, rr := r.Split(offset)
	return l.Concat(FromString(text)).Concat(rr)
}

// Delete returns a rope with [start, end) removed.
func (r Rope) Delete(start, end int) Rope {
	start, end = r.clamp(start, end)
	if start == end {
		return r
	}
	l, rest := r.Split(start)
	_, rr := rest.Split(end - start)
	return l.Concat(rr)
}

// Replace returns a rope with [start, end) replaced by text.
func (r Rope) Replace(start, end int, text string) Rope {
	return r.Delete(start, end).Insert(start, text)
}

// IsCharBoundary reports whether offset falls between UTF-8 sequences:
// at either end of the rope or on a byte that starts a sequence.
func (r Rope) IsCharBoundary(offset int) bool {
	n := r.Len()
	if offset == 0 || offset == n {
		return true
	}
	if offset < 0 || offset > n {
		return false
	}
	return isRuneStart(r.root.byteAt(offset))
}

// LineStart returns the byte offset where the 0-indexed line begins.
// Lines past the end map to Len.
func (r Rope) LineStart(line int) int {
	switch {
	case line <= 0:
		return 0
	case line > r.Summary().Lines:
		return r.Len()
	}
	return r.root.newlineOffset(line) + 1
}

// LineText returns the text of the 0-indexed line without its newline.
func (r Rope) LineText(line int) string {
	if line < 0 || line >= r.LineCount() {
		return ""
	}
	start := r.LineStart(line)
	end := r.Len()
	if line < r.Summary().Lines {
		end = r.root.newlineOffset(line + 1)
	}
	return r.Slice(start, end)
}

// Chunks calls fn for each stored chunk in order until fn returns false.
func (r Rope) Chunks(fn func(string) bool) {
	if r.root != nil {
		r.root.walk(fn)
	}
}

// WriteTo writes the rope's text to w chunk by chunk.
func (r Rope) WriteTo(w io.Writer) (int64, error) {
	var total int64
	var err error
	r.Chunks(func(s string) bool {
		var n int
		n, err = io.WriteString(w, s)
		total += int64(n)
		return err == nil
	})
	return total, err
}

// Equal reports whether two ropes hold the same text.
func (r Rope) Equal(other Rope) bool {
	if r.root == other.root {
		return true
	}
	if r.Len() != other.Len() {
		return false
	}
	return r.String() == other.String()
}

func (r Rope) clamp(start, end int) (int, int) {
	n := r.Len()
	start = min(max(start, 0), n)
	end = min(max(end, start), n)
	return start, end
}
