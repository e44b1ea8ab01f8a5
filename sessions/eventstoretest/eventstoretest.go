// Package eventstoretest is a conformance suite for sessions.EventStore
// implementations.
package eventstoretest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/google/uuid"
)

// StoreFactory creates a new EventStore instance for testing.
type StoreFactory func(t *testing.T) sessions.EventStore

// RunEventStoreTests runs the complete EventStore test suite against the provided factory.
func RunEventStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Append_AssignsDistinctIDs", func(t *testing.T) { testAppendAssignsDistinctIDs(t, factory) })
	t.Run("After_ReplaysFramesAfterLastEventID", func(t *testing.T) { testAfterReplays(t, factory) })
	t.Run("After_LatestIDReplaysNothing", func(t *testing.T) { testAfterLatest(t, factory) })
	t.Run("After_UnknownIDIsNotFound", func(t *testing.T) { testAfterUnknown(t, factory) })
	t.Run("After_EmptyIDIsNotFound", func(t *testing.T) { testAfterEmpty(t, factory) })
	t.Run("Isolation_BetweenSessions", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Purge_DropsFrames", func(t *testing.T) { testPurge(t, factory) })
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func appendN(t *testing.T, ctx context.Context, s sessions.EventStore, sessionID string, n int) []sse.Frame {
	t.Helper()
	out := make([]sse.Frame, 0, n)
	for i := 1; i <= n; i++ {
		f, err := s.Append(ctx, sessionID, sse.Frame{
			Event: sse.EventLLM,
			Data:  []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if f.ID == "" {
			t.Fatalf("append %d: expected an event id", i)
		}
		out = append(out, f)
	}
	return out
}

func testAppendAssignsDistinctIDs(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	sessionID := uuid.NewString()

	frames := appendN(t, ctx, s, sessionID, 5)
	seen := map[string]bool{}
	for _, f := range frames {
		if seen[f.ID] {
			t.Fatalf("duplicate event id %s", f.ID)
		}
		seen[f.ID] = true
	}
}

func testAfterReplays(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	sessionID := uuid.NewString()

	frames := appendN(t, ctx, s, sessionID, 10)
	got, found, err := s.After(ctx, sessionID, frames[4].ID)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if !found {
		t.Fatalf("expected id %s to be found", frames[4].ID)
	}
	if want := 5; len(got) != want {
		t.Fatalf("expected %d frames, got %d", want, len(got))
	}
	for i, f := range got {
		want := frames[5+i]
		if f.ID != want.ID || f.Event != want.Event || string(f.Data) != string(want.Data) {
			t.Fatalf("frame %d: expected %+v, got %+v", i, want, f)
		}
	}
}

func testAfterLatest(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	sessionID := uuid.NewString()

	frames := appendN(t, ctx, s, sessionID, 3)
	got, found, err := s.After(ctx, sessionID, frames[2].ID)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if !found {
		t.Fatalf("expected latest id to be found")
	}
	if len(got) != 0 {
		t.Fatalf("expected no frames, got %d", len(got))
	}
}

func testAfterUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	sessionID := uuid.NewString()

	appendN(t, ctx, s, sessionID, 3)
	got, found, err := s.After(ctx, sessionID, "999999999-0")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if found || len(got) != 0 {
		t.Fatalf("expected unknown id to replay nothing, got found=%v frames=%d", found, len(got))
	}
}

func testAfterEmpty(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	sessionID := uuid.NewString()

	appendN(t, ctx, s, sessionID, 2)
	if _, found, err := s.After(ctx, sessionID, ""); err != nil || found {
		t.Fatalf("expected empty id to be not found, got found=%v err=%v", found, err)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	a, b := uuid.NewString(), uuid.NewString()

	framesA := appendN(t, ctx, s, a, 3)
	appendN(t, ctx, s, b, 3)

	got, found, err := s.After(ctx, a, framesA[0].ID)
	if err != nil || !found {
		t.Fatalf("expected id to be found in session a (err=%v)", err)
	}
	if want := 2; len(got) != want {
		t.Fatalf("expected %d frames from session a, got %d", want, len(got))
	}
	if _, found, _ := s.After(ctx, b, framesA[0].ID); found {
		t.Fatalf("session b should not see session a's ids")
	}
}

func testPurge(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	sessionID := uuid.NewString()

	frames := appendN(t, ctx, s, sessionID, 3)
	if err := s.Purge(ctx, sessionID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, found, err := s.After(ctx, sessionID, frames[0].ID); err != nil || found {
		t.Fatalf("expected purged session to replay nothing, got found=%v err=%v", found, err)
	}
	if err := s.Purge(ctx, sessionID); err != nil {
		t.Fatalf("second purge: %v", err)
	}
}
