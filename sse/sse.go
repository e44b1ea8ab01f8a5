// Package sse implements the Server-Sent Events framing used on the gateway's
// GET stream: "event:", "id:" and "data:" fields terminated by a blank line.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Event names carried in the "event:" field.
const (
	EventOpen     = "open"
	EventPing     = "ping"
	EventLLM      = "llm_event"
	EventArtifact = "artifact_event"
	EventEnd      = "end"
)

// Frame is one SSE event. ID is assigned by the session's event buffer when
// the frame is pushed; control frames (open, ping) never carry one.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// Replayable reports whether the frame belongs in a session's resumption
// buffer. Connection-level control frames are written live only.
func (f Frame) Replayable() bool {
	switch f.Event {
	case EventOpen, EventPing:
		return false
	default:
		return true
	}
}

// Encode writes the frame in wire format. Data containing newlines is split
// across several "data:" lines as the SSE grammar requires.
func (f Frame) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if f.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	if f.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", f.ID)
	}
	for _, line := range strings.Split(string(f.Data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(strings.TrimSuffix(line, "\r"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	return nil
}

// Reader decodes frames from an SSE byte stream.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r in a frame decoder.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
// Comment lines and unknown fields are skipped.
func (r *Reader) Next() (Frame, error) {
	var f Frame
	var data []string
	seen := false
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if !seen {
				continue
			}
			f.Data = []byte(strings.Join(data, "\n"))
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "id":
			f.ID = value
		case "data":
			data = append(data, value)
		default:
			continue
		}
		seen = true
	}
	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	if seen {
		return Frame{}, errors.New("sse: stream ended mid-frame")
	}
	return Frame{}, io.EOF
}
