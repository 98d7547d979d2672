package delta

import (
	"encoding/json"
	"fmt"
)

// Wire form:
//
//	{"base_len":5,"new_len":11,"ops":[{"copy":[0,5]},{"insert":" world"}]}
//
// new_len may be omitted on input, in which case it is derived from the ops.

type wireOp struct {
	Copy   *[2]int `json:"copy,omitempty"`
	Insert *string `json:"insert,omitempty"`
}

// MarshalJSON encodes the op as {"copy":[s,e]} or {"insert":"text"}.
func (o Op) MarshalJSON() ([]byte, error) {
	if o.Kind == OpInsert {
		text := o.Text
		return json.Marshal(wireOp{Insert: &text})
	}
	return json.Marshal(wireOp{Copy: &[2]int{o.Start, o.End}})
}

// UnmarshalJSON decodes an op. Exactly one of copy or insert must be set.
func (o *Op) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Copy != nil && w.Insert == nil:
		*o = Copy(w.Copy[0], w.Copy[1])
	case w.Insert != nil && w.Copy == nil:
		*o = Insert(*w.Insert)
	default:
		return fmt.Errorf("%w: op must have exactly one of copy or insert: %s", ErrInvalidDelta, data)
	}
	return nil
}

// MarshalJSON encodes the delta in its wire form.
func (d Delta) MarshalJSON() ([]byte, error) {
	ops := d.Ops
	if ops == nil {
		ops = []Op{}
	}
	newLen := d.NewLen
	return json.Marshal(struct {
		BaseLen int  `json:"base_len"`
		NewLen  *int `json:"new_len"`
		Ops     []Op `json:"ops"`
	}{d.BaseLen, &newLen, ops})
}

// UnmarshalJSON decodes a delta. It does not validate ranges; Apply does.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseLen *int `json:"base_len"`
		NewLen  *int `json:"new_len"`
		Ops     []Op `json:"ops"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.BaseLen == nil {
		return fmt.Errorf("%w: missing base_len", ErrInvalidDelta)
	}

	d.BaseLen = *raw.BaseLen
	d.Ops = raw.Ops
	if raw.NewLen != nil {
		d.NewLen = *raw.NewLen
	} else {
		d.NewLen = 0
		for _, op := range d.Ops {
			d.NewLen += op.Len()
		}
	}
	return nil
}
