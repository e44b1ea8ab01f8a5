package sessions

import (
	"context"

	"github.com/ggoodman/mcp-gateway-go/sse"
)

// EventStore buffers replayable frames per session.
type EventStore interface {
	// Append stores f and returns it with its assigned event id.
	Append(ctx context.Context, sessionID string, f sse.Frame) (sse.Frame, error)
	// After returns the frames stored after lastEventID, in order. found is
	// false when lastEventID is empty or no longer buffered.
	After(ctx context.Context, sessionID, lastEventID string) (frames []sse.Frame, found bool, err error)
	// Purge drops every frame stored for sessionID.
	Purge(ctx context.Context, sessionID string) error
}
