package streaminghttp

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/sse"
)

var _ sessions.Sink = (*sseSink)(nil)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// sseSink is the session registry's view of one GET response.
type sseSink struct {
	w      http.ResponseWriter
	wf     *lockedWriteFlusher
	opened bool
}

func newSSESink(ctx context.Context, w http.ResponseWriter, f http.Flusher) *sseSink {
	return &sseSink{w: w, wf: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}}
}

// Open commits the SSE response headers.
func (s *sseSink) Open(sessionID string) error {
	h := s.w.Header()
	h.Set(mcpSessionIDHeader, sessionID)
	h.Set("Content-Type", eventStreamMediaType.String())
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
	s.wf.Flush()
	return nil
}

// WriteFrame writes and flushes one frame.
func (s *sseSink) WriteFrame(f sse.Frame) error {
	if err := f.Encode(s.wf); err != nil {
		return err
	}
	s.wf.Flush()
	return nil
}
