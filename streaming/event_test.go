package streaming_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/ggoodman/mcp-gateway-go/streaming"
)

func TestEventFrameRoundTrip(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []streaming.Event{
		streaming.Progress(42, "halfway-ish"),
		streaming.Message("partial"),
		streaming.Status("routing"),
		streaming.Result(map[string]any{"count": float64(3)}),
		streaming.Error("upstream_error", "boom", map[string]any{"status": float64(502)}, true),
		streaming.Cancel("client disconnected"),
		streaming.LlmEvent{Type: streaming.TypeHeartbeat},
		streaming.ArtifactEvent{
			ID:        "a1",
			URI:       "https://example.com/artifacts/a1",
			MIME:      "image/png",
			Bytes:     2048,
			SHA256:    "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			ExpiresAt: &expires,
		},
	}

	s := streaming.New(streaming.WithMaxBufferSize(0))
	_ = s.Start()
	var emitted []streaming.Event
	s.Subscribe(streaming.ListenerFuncs{Event: func(e streaming.Event) { emitted = append(emitted, e) }})
	for _, e := range events {
		if !s.Emit(e) {
			t.Fatalf("emit %#v failed", e)
		}
	}

	for _, e := range emitted {
		frame, err := streaming.ToFrame(e)
		if err != nil {
			t.Fatalf("to frame: %v", err)
		}
		if want, got := string(e.Kind()), frame.Event; want != got {
			t.Fatalf("expected frame event %q, got %q", want, got)
		}
		back, err := streaming.FromFrame(frame)
		if err != nil {
			t.Fatalf("from frame: %v", err)
		}
		if !reflect.DeepEqual(e, back) {
			t.Fatalf("round trip mismatch:\nwant %#v\n got %#v", e, back)
		}
	}
}

func TestEventValidate(t *testing.T) {
	over := 101.0
	tests := []struct {
		name  string
		event streaming.Event
		ok    bool
	}{
		{"progress", streaming.Progress(0, ""), true},
		{"progress missing", streaming.LlmEvent{Type: streaming.TypeProgress}, false},
		{"progress out of range", streaming.LlmEvent{Type: streaming.TypeProgress, Progress: &over}, false},
		{"message empty", streaming.Message(""), false},
		{"status empty", streaming.Status(""), false},
		{"error without message", streaming.Error("c", "", nil, false), false},
		{"unknown type", streaming.LlmEvent{Type: "nope"}, false},
		{"artifact", streaming.ArtifactEvent{ID: "a", URI: "u", MIME: "text/plain"}, true},
		{"artifact bad mime", streaming.ArtifactEvent{ID: "a", URI: "u", MIME: "png"}, false},
		{"artifact negative size", streaming.ArtifactEvent{ID: "a", URI: "u", MIME: "a/b", Bytes: -1}, false},
		{"artifact bad digest", streaming.ArtifactEvent{ID: "a", URI: "u", MIME: "a/b", SHA256: "abc"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, streaming.ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestFromFrameRejectsControlFrames(t *testing.T) {
	if _, err := streaming.FromFrame(sse.Frame{Event: sse.EventPing, Data: []byte(`{}`)}); err == nil {
		t.Fatalf("expected error for ping frame")
	}
}

func TestIsPriority(t *testing.T) {
	if !streaming.IsPriority(streaming.Error("c", "m", nil, false)) {
		t.Fatalf("error events are priority")
	}
	if !streaming.IsPriority(streaming.Cancel("r")) {
		t.Fatalf("cancel events are priority")
	}
	if streaming.IsPriority(streaming.Message("m")) {
		t.Fatalf("message events are not priority")
	}
}
