package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OriginField is the params key carrying the caller's identity.
const OriginField = "origin"

// CoreProxy is a handle on a dispatcher's outbound path scoped to one
// origin, such as a plugin name. Object params are stamped with the origin
// so the peer can attribute the call.
type CoreProxy struct {
	d      *Dispatcher
	origin string
}

// NewCoreProxy returns a proxy sending through d on behalf of origin.
func NewCoreProxy(d *Dispatcher, origin string) *CoreProxy {
	return &CoreProxy{d: d, origin: origin}
}

// Origin returns the identity stamped on outgoing params.
func (p *CoreProxy) Origin() string {
	return p.origin
}

// Call sends a request. The returned Call completes exactly once.
func (p *CoreProxy) Call(method string, params any) (*Call, error) {
	raw, err := p.stamp(params)
	if err != nil {
		return nil, err
	}
	return p.d.Call(method, raw)
}

// Notify sends a notification.
func (p *CoreProxy) Notify(method string, params any) error {
	raw, err := p.stamp(params)
	if err != nil {
		return err
	}
	return p.d.Notify(method, raw)
}

func (p *CoreProxy) stamp(params any) (json.RawMessage, error) {
	var raw []byte
	switch v := params.(type) {
	case nil:
		raw = []byte(`{}`)
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	if p.origin == "" || !gjson.ParseBytes(raw).IsObject() {
		return raw, nil
	}
	stamped, err := sjson.SetBytes(raw, OriginField, p.origin)
	if err != nil {
		return nil, fmt.Errorf("stamp origin: %w", err)
	}
	return stamped, nil
}

// OriginOf returns the origin stamped on params, if any.
func OriginOf(params json.RawMessage) string {
	return gjson.GetBytes(params, OriginField).String()
}
