package sse

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		{Event: EventOpen, Data: []byte(`{"sessionId":"s1"}`)},
		{ID: "7", Event: EventLLM, Data: []byte(`{"kind":"llm_event","type":"progress"}`)},
		{ID: "8", Event: EventArtifact, Data: []byte("line one\nline two")},
		{Event: EventPing, Data: []byte(`{}`)},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := f.Encode(&buf); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range frames {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.ID != want.ID || got.Event != want.Event || !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("frame %d: want %+v got %+v", i, want, got)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("want EOF, got %v", err)
	}
}

func TestReplayable(t *testing.T) {
	cases := map[string]bool{
		EventOpen:     false,
		EventPing:     false,
		EventLLM:      true,
		EventArtifact: true,
		EventEnd:      true,
	}
	for ev, want := range cases {
		if got := (Frame{Event: ev}).Replayable(); got != want {
			t.Errorf("%s: want %v got %v", ev, want, got)
		}
	}
}
