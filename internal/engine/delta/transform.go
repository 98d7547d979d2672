package delta

import (
	"fmt"
	"slices"
)

type insertion struct {
	at   int
	text string
}

// shape is a delta viewed from its base: the base ranges it keeps and the
// text it inserts at base positions. Both lists are in base order.
type shape struct {
	keeps   [][2]int
	inserts []insertion
}

func decompose(d Delta) shape {
	var s shape
	pos := 0
	for _, op := range d.Ops {
		if op.Kind == OpInsert {
			s.inserts = append(s.inserts, insertion{at: pos, text: op.Text})
			continue
		}
		s.keeps = append(s.keeps, [2]int{op.Start, op.End})
		pos = op.End
	}
	return s
}

// takeInserts returns the text inserted at p, advancing *i past it.
func (s shape) takeInserts(i *int, p int) string {
	var text string
	for *i < len(s.inserts) && s.inserts[*i].at == p {
		text += s.inserts[*i].text
		*i++
	}
	return text
}

// kept reports whether the base byte at p is kept, advancing *k past
// ranges that end at or before p.
func (s shape) kept(k *int, p int) bool {
	for *k < len(s.keeps) && s.keeps[*k][1] <= p {
		*k++
	}
	return *k < len(s.keeps) && s.keeps[*k][0] <= p
}

// Transform rewrites d1 so it applies after d2, where both were built
// against the same base. When both insert at the same position, d1's text
// lands after d2's. Text deleted by either side stays deleted.
func Transform(d1, d2 Delta) (Delta, error) {
	return transform(d1, d2, true)
}

// TransformBefore is Transform with the tie broken the other way: d1's
// insertions land before d2's at the same position. Transform(a, b) and
// TransformBefore(b, a) converge to the same document.
func TransformBefore(d1, d2 Delta) (Delta, error) {
	return transform(d1, d2, false)
}

func transform(a, b Delta, after bool) (Delta, error) {
	if a.BaseLen != b.BaseLen {
		return Delta{}, fmt.Errorf("%w: transforming over base %d, delta base %d", ErrDeltaMismatch, b.BaseLen, a.BaseLen)
	}
	if err := a.Validate(); err != nil {
		return Delta{}, err
	}
	if err := b.Validate(); err != nil {
		return Delta{}, err
	}

	sa, sb := decompose(a), decompose(b)

	points := []int{0, a.BaseLen}
	for _, s := range []shape{sa, sb} {
		for _, k := range s.keeps {
			points = append(points, k[0], k[1])
		}
		for _, ins := range s.inserts {
			points = append(points, ins.at)
		}
	}
	slices.Sort(points)
	points = slices.Compact(points)

	out := NewBuilder(b.NewLen)
	pos := 0 // position in b's output
	var ia, ib, ka, kb int

	for idx, p := range points {
		mine := sa.takeInserts(&ia, p)
		theirs := len(sb.takeInserts(&ib, p))

		if after {
			out.Copy(pos, pos+theirs)
			out.Insert(mine)
		} else {
			out.Insert(mine)
			out.Copy(pos, pos+theirs)
		}
		pos += theirs

		if idx == len(points)-1 {
			break
		}

		span := points[idx+1] - p
		keptA, keptB := sa.kept(&ka, p), sb.kept(&kb, p)
		if !keptB {
			continue
		}
		if keptA {
			out.Copy(pos, pos+span)
		}
		pos += span
	}

	return out.Build(), nil
}

// Compose returns a single delta equivalent to applying a then b.
func Compose(a, b Delta) (Delta, error) {
	if b.BaseLen != a.NewLen {
		return Delta{}, fmt.Errorf("%w: composing delta with base %d after delta producing %d", ErrDeltaMismatch, b.BaseLen, a.NewLen)
	}
	if err := a.Validate(); err != nil {
		return Delta{}, err
	}
	if err := b.Validate(); err != nil {
		return Delta{}, err
	}

	// starts[i] is where a.Ops[i] begins in a's output.
	starts := make([]int, len(a.Ops))
	pos := 0
	for i, op := range a.Ops {
		starts[i] = pos
		pos += op.Len()
	}

	out := NewBuilder(a.BaseLen)
	i := 0
	for _, op := range b.Ops {
		if op.Kind == OpInsert {
			out.Insert(op.Text)
			continue
		}

		for i < len(a.Ops) && starts[i]+a.Ops[i].Len() <= op.Start {
			i++
		}
		for j := i; j < len(a.Ops) && starts[j] < op.End; j++ {
			src := a.Ops[j]
			lo := max(op.Start, starts[j]) - starts[j]
			hi := min(op.End, starts[j]+src.Len()) - starts[j]
			if src.Kind == OpCopy {
				out.Copy(src.Start+lo, src.Start+hi)
			} else {
				out.Insert(src.Text[lo:hi])
			}
		}
	}

	return out.Build(), nil
}
