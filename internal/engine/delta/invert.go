package delta

import (
	"fmt"

	"github.com/dshills/keyproxy/internal/engine/rope"
)

// Invert returns the delta that undoes d. original must be the document d
// was built against; deleted text is recovered from it.
func Invert(d Delta, original rope.Rope) (Delta, error) {
	if d.BaseLen != original.Len() {
		return Delta{}, fmt.Errorf("%w: delta base %d, document %d", ErrDeltaMismatch, d.BaseLen, original.Len())
	}
	if err := d.Validate(); err != nil {
		return Delta{}, err
	}

	b := NewBuilder(d.NewLen)
	oldPos, newPos := 0, 0

	for _, op := range d.Ops {
		if op.Kind == OpInsert {
			newPos += len(op.Text)
			continue
		}
		if op.Start > oldPos {
			b.Insert(original.Slice(oldPos, op.Start))
		}
		b.Copy(newPos, newPos+op.Len())
		newPos += op.Len()
		oldPos = op.End
	}

	if oldPos < d.BaseLen {
		b.Insert(original.Slice(oldPos, d.BaseLen))
	}
	return b.Build(), nil
}
