package streaming

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sse"
)

// Kind discriminates the two members of the event union.
type Kind string

const (
	KindLLM      Kind = "llm_event"
	KindArtifact Kind = "artifact_event"
)

// ErrInvalidEvent is wrapped by every structural validation failure.
var ErrInvalidEvent = errors.New("invalid streaming event")

// Event is the closed union of LlmEvent and ArtifactEvent. The unexported
// methods keep other packages from adding members; consumers switch on the
// concrete type.
type Event interface {
	Kind() Kind
	Sequence() uint64
	Validate() error

	stamp(seq uint64, at time.Time) Event
}

// LlmEventType is the type of an llm_event.
type LlmEventType string

const (
	TypeProgress  LlmEventType = "progress"
	TypeMessage   LlmEventType = "message"
	TypeStatus    LlmEventType = "status"
	TypeResult    LlmEventType = "result"
	TypeError     LlmEventType = "error"
	TypeCancel    LlmEventType = "cancel"
	TypeHeartbeat LlmEventType = "heartbeat"
)

// LlmEvent is a small, model-context-safe update.
type LlmEvent struct {
	Type      LlmEventType `json:"type"`
	Seq       uint64       `json:"seq"`
	Timestamp int64        `json:"timestamp"`

	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
	Status   string   `json:"status,omitempty"`
	Result   any      `json:"result,omitempty"`
	Code     string   `json:"code,omitempty"`
	Details  any      `json:"details,omitempty"`
	Fatal    bool     `json:"fatal,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

func (LlmEvent) Kind() Kind         { return KindLLM }
func (e LlmEvent) Sequence() uint64 { return e.Seq }

func (e LlmEvent) stamp(seq uint64, at time.Time) Event {
	e.Seq = seq
	if e.Timestamp == 0 {
		e.Timestamp = at.UnixMilli()
	}
	return e
}

// Validate checks the type-specific required fields.
func (e LlmEvent) Validate() error {
	switch e.Type {
	case TypeProgress:
		if e.Progress == nil {
			return fmt.Errorf("%w: progress event requires progress", ErrInvalidEvent)
		}
		if p := *e.Progress; p < 0 || p > 100 {
			return fmt.Errorf("%w: progress %v outside [0,100]", ErrInvalidEvent, p)
		}
	case TypeMessage:
		if e.Message == "" {
			return fmt.Errorf("%w: message event requires message", ErrInvalidEvent)
		}
	case TypeStatus:
		if e.Status == "" {
			return fmt.Errorf("%w: status event requires status", ErrInvalidEvent)
		}
	case TypeError:
		if e.Message == "" {
			return fmt.Errorf("%w: error event requires message", ErrInvalidEvent)
		}
	case TypeResult, TypeCancel, TypeHeartbeat:
	default:
		return fmt.Errorf("%w: unknown llm_event type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

func (e LlmEvent) MarshalJSON() ([]byte, error) {
	type alias LlmEvent
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{Kind: KindLLM, alias: alias(e)})
}

// ArtifactEvent references large or binary content delivered out of band.
type ArtifactEvent struct {
	ID        string     `json:"id"`
	URI       string     `json:"uri"`
	MIME      string     `json:"mime"`
	Bytes     int64      `json:"bytes"`
	SHA256    string     `json:"sha256,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Seq       uint64     `json:"seq"`
}

func (ArtifactEvent) Kind() Kind         { return KindArtifact }
func (e ArtifactEvent) Sequence() uint64 { return e.Seq }

func (e ArtifactEvent) stamp(seq uint64, _ time.Time) Event {
	e.Seq = seq
	return e
}

// Validate checks the reference fields. The digest, when present, must be a
// lowercase or uppercase hex SHA-256.
func (e ArtifactEvent) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: artifact event requires id", ErrInvalidEvent)
	case e.URI == "":
		return fmt.Errorf("%w: artifact event requires uri", ErrInvalidEvent)
	case !strings.Contains(e.MIME, "/"):
		return fmt.Errorf("%w: artifact event has invalid mime %q", ErrInvalidEvent, e.MIME)
	case e.Bytes < 0:
		return fmt.Errorf("%w: artifact event has negative size", ErrInvalidEvent)
	}
	if e.SHA256 != "" {
		if b, err := hex.DecodeString(e.SHA256); err != nil || len(b) != 32 {
			return fmt.Errorf("%w: artifact event has invalid sha256", ErrInvalidEvent)
		}
	}
	return nil
}

func (e ArtifactEvent) MarshalJSON() ([]byte, error) {
	type alias ArtifactEvent
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{Kind: KindArtifact, alias: alias(e)})
}

// Progress builds a progress event. percent is in [0,100].
func Progress(percent float64, message string) LlmEvent {
	return LlmEvent{Type: TypeProgress, Progress: &percent, Message: message}
}

// Message builds a partial-output message event.
func Message(text string) LlmEvent {
	return LlmEvent{Type: TypeMessage, Message: text}
}

// Status builds a status event.
func Status(status string) LlmEvent {
	return LlmEvent{Type: TypeStatus, Status: status}
}

// Result builds a final-result event.
func Result(result any) LlmEvent {
	return LlmEvent{Type: TypeResult, Result: result}
}

// Error builds an error event.
func Error(code, message string, details any, fatal bool) LlmEvent {
	return LlmEvent{Type: TypeError, Code: code, Message: message, Details: details, Fatal: fatal}
}

// Cancel builds a cancel event.
func Cancel(reason string) LlmEvent {
	return LlmEvent{Type: TypeCancel, Reason: reason}
}

// IsPriority reports whether e must survive backpressure trimming: error and
// cancel llm_events are never dropped.
func IsPriority(e Event) bool {
	switch ev := e.(type) {
	case LlmEvent:
		return ev.Type == TypeError || ev.Type == TypeCancel
	case ArtifactEvent:
		return false
	default:
		return false
	}
}

// TypeKey returns the per-type counter key of an event: the llm_event type,
// or "artifact" for artifact events.
func TypeKey(e Event) string {
	switch ev := e.(type) {
	case LlmEvent:
		return string(ev.Type)
	case ArtifactEvent:
		return "artifact"
	default:
		return "unknown"
	}
}

// ToFrame serializes an event into the SSE frame carried on the wire. The
// frame's event name is the event kind.
func ToFrame(e Event) (sse.Frame, error) {
	var name string
	switch e.(type) {
	case LlmEvent:
		name = sse.EventLLM
	case ArtifactEvent:
		name = sse.EventArtifact
	default:
		return sse.Frame{}, fmt.Errorf("%w: unsupported event type %T", ErrInvalidEvent, e)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return sse.Frame{}, fmt.Errorf("marshal %s: %w", name, err)
	}
	return sse.Frame{Event: name, Data: data}, nil
}

// Decode parses the JSON form of an event back into the union.
func Decode(data []byte) (Event, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch head.Kind {
	case KindLLM:
		var e LlmEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return e, nil
	case KindArtifact:
		var e ArtifactEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, head.Kind)
	}
}

// FromFrame parses an llm_event or artifact_event frame.
func FromFrame(f sse.Frame) (Event, error) {
	switch f.Event {
	case sse.EventLLM, sse.EventArtifact:
		return Decode(f.Data)
	default:
		return nil, fmt.Errorf("%w: frame %q does not carry an event", ErrInvalidEvent, f.Event)
	}
}
