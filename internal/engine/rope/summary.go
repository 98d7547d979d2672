package rope

// Summary holds aggregated metrics for a span of text.
// Summaries combine associatively with Add, with the zero value as identity.
type Summary struct {
	// Bytes is the UTF-8 byte count.
	Bytes int

	// Lines is the number of newline characters.
	Lines int

	// LongestLine is the byte length of the longest line, excluding newlines.
	LongestLine int

	// FirstLineLen is the byte length of the text before the first newline.
	FirstLineLen int

	// LastLineLen is the byte length of the text after the last newline.
	LastLineLen int
}

// Add combines s with the summary of the text that immediately follows it.
func (s Summary) Add(other Summary) Summary {
	if s.Bytes == 0 {
		return other
	}
	if other.Bytes == 0 {
		return s
	}

	out := Summary{
		Bytes: s.Bytes + other.Bytes,
		Lines: s.Lines + other.Lines,
	}

	// The last line of s and the first line of other join into one line.
	joined := s.LastLineLen + other.FirstLineLen
	out.LongestLine = max(s.LongestLine, other.LongestLine, joined)

	if s.Lines == 0 {
		out.FirstLineLen = joined
	} else {
		out.FirstLineLen = s.FirstLineLen
	}

	if other.Lines == 0 {
		out.LastLineLen = s.LastLineLen + other.LastLineLen
	} else {
		out.LastLineLen = other.LastLineLen
	}

	return out
}

// Summarize computes the summary of s in a single pass.
func Summarize(s string) Summary {
	var sum Summary
	sum.Bytes = len(s)

	lineStart := 0
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' {
			continue
		}
		lineLen := i - lineStart
		if sum.Lines == 0 {
			sum.FirstLineLen = lineLen
		}
		sum.LongestLine = max(sum.LongestLine, lineLen)
		sum.Lines++
		lineStart = i + 1
	}

	last := len(s) - lineStart
	if sum.Lines == 0 {
		sum.FirstLineLen = last
	}
	sum.LastLineLen = last
	sum.LongestLine = max(sum.LongestLine, last)

	return sum
}
