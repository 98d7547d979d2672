package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Message is one of *Request, *Notification or *Response.
type Message interface {
	isMessage()
}

// Request is a call that expects exactly one response with the same ID.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Notification is a call that expects no response.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. Exactly one of Result or
// Error is meaningful; a nil Error means success.
type Response struct {
	ID     uint64
	Result json.RawMessage
	Error  *Error
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

// MarshalJSON always emits "result" on success, as null when empty.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			ID    uint64 `json:"id"`
			Error *Error `json:"error"`
		}{r.ID, r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
	}{r.ID, result})
}

// NewRequest builds a request, marshaling params.
func NewRequest(id uint64, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification, marshaling params.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResult builds a success response, marshaling result.
func NewResult(id uint64, result any) (*Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id uint64, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// Encode marshals a message into its JSON form.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case *Request, *Notification, *Response:
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}
}

// Decode classifies and decodes a single frame. Invalid frames yield a
// *TransportError wrapping ErrMalformedFrame.
func Decode(frame []byte) (Message, error) {
	malformed := func(reason string) error {
		return &TransportError{Frame: frame, Err: fmt.Errorf("%w: %s", ErrMalformedFrame, reason)}
	}

	if !gjson.ValidBytes(frame) {
		return nil, malformed("invalid json")
	}
	doc := gjson.ParseBytes(frame)
	if !doc.IsObject() {
		return nil, malformed("not an object")
	}

	id := doc.Get("id")
	method := doc.Get("method")
	params := rawOf(doc.Get("params"))

	if method.Exists() {
		if method.Type != gjson.String || method.Str == "" {
			return nil, malformed("method must be a non-empty string")
		}
		if !id.Exists() || id.Type == gjson.Null {
			return &Notification{Method: method.Str, Params: params}, nil
		}
		n, ok := parseID(id)
		if !ok {
			return nil, malformed("id must be an unsigned integer")
		}
		return &Request{ID: n, Method: method.Str, Params: params}, nil
	}

	if !id.Exists() {
		return nil, malformed("missing method and id")
	}
	n, ok := parseID(id)
	if !ok {
		return nil, malformed("id must be an unsigned integer")
	}

	if e := doc.Get("error"); e.Exists() && e.Type != gjson.Null {
		var rpcErr Error
		if err := json.Unmarshal([]byte(e.Raw), &rpcErr); err != nil {
			return nil, malformed("invalid error object")
		}
		return &Response{ID: n, Error: &rpcErr}, nil
	}
	if r := doc.Get("result"); r.Exists() {
		return &Response{ID: n, Result: rawOf(r)}, nil
	}
	return nil, malformed("response has neither result nor error")
}

func parseID(v gjson.Result) (uint64, bool) {
	if v.Type != gjson.Number {
		return 0, false
	}
	n, err := strconv.ParseUint(v.Raw, 10, 64)
	return n, err == nil
}

func rawOf(v gjson.Result) json.RawMessage {
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}
