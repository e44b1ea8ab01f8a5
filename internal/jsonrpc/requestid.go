package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id: a string, a number or absent. The encoded form
// is kept verbatim so a response echoes exactly the id the client sent, large
// integers included.
type RequestID struct {
	raw json.RawMessage
}

// NewRequestID returns the id for a string or integer value. Other types
// yield a nil id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		b, _ := json.Marshal(v)
		return &RequestID{raw: b}
	case int:
		return &RequestID{raw: strconv.AppendInt(nil, int64(v), 10)}
	case int64:
		return &RequestID{raw: strconv.AppendInt(nil, v, 10)}
	case uint64:
		return &RequestID{raw: strconv.AppendUint(nil, v, 10)}
	default:
		return &RequestID{}
	}
}

// String returns the id as text: string ids unquoted, numbers as sent.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(id.raw, &s); err == nil {
			return s
		}
	}
	return string(id.raw)
}

// IsNil reports whether the id is absent or null.
func (id *RequestID) IsNil() bool {
	return id == nil || len(id.raw) == 0
}

// MarshalJSON encodes a nil id as null, which is what error responses for
// unidentifiable requests carry.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON accepts strings, numbers and null.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		id.raw = nil
		return nil
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("JSON-RPC ID: %w", err)
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("JSON-RPC ID: %w", err)
		}
	default:
		return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
	}
	id.raw = append(id.raw[:0], data...)
	return nil
}
