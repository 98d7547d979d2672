package rope

// Chunk size bounds for leaf text.
const (
	// MinChunkSize is the size below which adjacent chunks are merged.
	MinChunkSize = 128

	// MaxChunkSize is the largest chunk stored in a leaf.
	MaxChunkSize = 256

	// TargetChunkSize is the preferred size when splitting long text.
	TargetChunkSize = (MinChunkSize + MaxChunkSize) / 2
)

// chunk is an immutable piece of text with its precomputed summary.
type chunk struct {
	text string
	sum  Summary
}

func newChunk(s string) chunk {
	return chunk{text: s, sum: Summarize(s)}
}

// split divides the chunk at a byte offset. Only the chunk's own text is
// rescanned, so the cost is bounded by MaxChunkSize.
func (c chunk) split(at int) (chunk, chunk) {
	if at <= 0 {
		return chunk{}, c
	}
	if at >= len(c.text) {
		return c, chunk{}
	}
	return newChunk(c.text[:at]), newChunk(c.text[at:])
}

// chunksOf cuts s into chunks no larger than MaxChunkSize, never splitting
// a UTF-8 sequence and preferring to break after a newline.
func chunksOf(s string) []chunk {
	if len(s) == 0 {
		return nil
	}

	out := make([]chunk, 0, len(s)/TargetChunkSize+1)
	for len(s) > MaxChunkSize {
		at := boundary(s, TargetChunkSize)
		out = append(out, newChunk(s[:at]))
		s = s[at:]
	}
	return append(out, newChunk(s))
}

// boundary finds a split point close to target that lies on a UTF-8 start
// byte, preferring the byte after a nearby newline.
func boundary(s string, target int) int {
	lo := max(target-MinChunkSize/4, 1)
	hi := min(target+MinChunkSize/4, len(s)-1)

	for i := target; i < hi; i++ {
		if s[i] == '\n' {
			return i + 1
		}
	}
	for i := target - 1; i >= lo; i-- {
		if s[i] == '\n' {
			return i + 1
		}
	}

	at := target
	for at > 1 && !isRuneStart(s[at]) {
		at--
	}
	return at
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
