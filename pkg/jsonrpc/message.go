package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only protocol version chainrpc speaks.
const Version = "2.0"

// ID identifies a request within one client. Clients assign ids from a
// counter starting at 1, so zero never names a real request.
type ID uint64

// UnmarshalJSON accepts a JSON number or a string holding a decimal or
// 0x-prefixed number. Some nodes echo ids back as strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", s, err)
		}
		*id = ID(v)
		return nil
	}

	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(v)
	return nil
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Params is the positional parameter list of a request. It always encodes as
// an array, never as null.
type Params []json.RawMessage

// NewParams encodes every argument in order.
func NewParams(args ...any) (Params, error) {
	params := make(Params, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		params = append(params, raw)
	}
	return params, nil
}

func (p Params) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]json.RawMessage(p))
}

// Translate decodes the parameter at index into v.
func (p Params) Translate(index int, v any) error {
	if index < 0 || index >= len(p) {
		return fmt.Errorf("param %d out of range (have %d)", index, len(p))
	}
	return json.Unmarshal(p[index], v)
}

// Request is an outbound call.
type Request struct {
	Version string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

// NewRequest builds a request. The id must come from the caller's counter.
func NewRequest(id ID, method string, args ...any) (*Request, error) {
	params, err := NewParams(args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMarshalingRequest, method, err)
	}
	return &Request{Version: Version, ID: id, Method: method, Params: params}, nil
}

// Response is any inbound message: a reply to a request, or a push
// notification when Method is set and ID is absent.
type Response struct {
	Version string          `json:"jsonrpc,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewResult builds a successful reply. Used by stubs and tests.
func NewResult(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{Version: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds a failed reply.
func NewErrorResponse(id ID, code int, message string) *Response {
	return &Response{Version: Version, ID: &id, Error: &Error{Code: code, Message: message}}
}

// NewNotification builds a subscription push message.
func NewNotification(method, subscription string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(SubscriptionResult{Subscription: subscription, Result: raw})
	if err != nil {
		return nil, err
	}
	return &Response{Version: Version, Method: method, Params: params}, nil
}

// IsNotification reports whether the message is a server push.
func (r *Response) IsNotification() bool {
	return r.ID == nil && r.Method != ""
}

// HasID reports whether the message answers request id.
func (r *Response) HasID(id ID) bool {
	return r.ID != nil && *r.ID == id
}

// Validate checks that a reply carries an id and exactly one outcome.
func (r *Response) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil response", ErrInvalidResponse)
	}
	if r.ID == nil {
		return fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	if r.Error == nil && len(r.Result) == 0 {
		return fmt.Errorf("%w: neither result nor error for id %d", ErrInvalidResponse, *r.ID)
	}
	return nil
}

// Err returns the node's error object as an error, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Decode unmarshals the result into v. A node error is returned as *Error.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmarshalingResult, err)
	}
	return nil
}

// SubscriptionResult is the params object of a subscription notification.
type SubscriptionResult struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// DecodeSubscription extracts the subscription payload of a notification.
func (r *Response) DecodeSubscription() (SubscriptionResult, error) {
	var sr SubscriptionResult
	if len(r.Params) == 0 {
		return sr, fmt.Errorf("%w: notification without params", ErrInvalidResponse)
	}
	if err := json.Unmarshal(r.Params, &sr); err != nil {
		return sr, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if sr.Subscription == "" {
		return sr, fmt.Errorf("%w: notification without subscription id", ErrInvalidResponse)
	}
	return sr, nil
}
