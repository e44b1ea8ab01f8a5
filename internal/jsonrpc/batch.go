package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrParse indicates the payload is not valid JSON.
	ErrParse = errors.New("parse error")
	// ErrInvalidPayload indicates the payload is JSON but not a valid message or batch.
	ErrInvalidPayload = errors.New("invalid request")
)

// Payload is a decoded POST body: one message or a batch of messages.
type Payload struct {
	Messages []AnyMessage
	Batch    bool
}

// ParsePayload decodes a single JSON-RPC message or a non-empty array of
// messages. Any structural problem in any element rejects the whole payload.
func ParsePayload(data []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrParse)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrParse)
	}

	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if len(raws) == 0 {
			return nil, fmt.Errorf("%w: empty batch", ErrInvalidPayload)
		}
		msgs := make([]AnyMessage, len(raws))
		for i, raw := range raws {
			if err := json.Unmarshal(raw, &msgs[i]); err != nil {
				return nil, fmt.Errorf("%w: batch item %d: %v", ErrInvalidPayload, i, err)
			}
		}
		return &Payload{Messages: msgs, Batch: true}, nil
	}

	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload must be an object or array", ErrInvalidPayload)
	}
	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &Payload{Messages: []AnyMessage{msg}}, nil
}

// OnlyNotificationsOrResponses reports whether no message in the payload
// expects a reply.
func (p *Payload) OnlyNotificationsOrResponses() bool {
	for i := range p.Messages {
		if p.Messages[i].Type() == TypeRequest {
			return false
		}
	}
	return true
}
