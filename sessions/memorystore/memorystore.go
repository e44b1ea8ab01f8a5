// Package memorystore is the in-process event buffer used for session
// resumption. Each session keeps a bounded FIFO of frames; ids come from one
// process-wide counter so they are unique and increase across sessions.
package memorystore

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-gateway-go/sse"
)

// DefaultMaxEvents bounds each session's buffer unless WithMaxEvents is given.
const DefaultMaxEvents = 1000

// Store is an in-memory event store. The zero value is not usable; call New.
type Store struct {
	maxEvents int
	counter   atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*buffer
}

type buffer struct {
	mu     sync.RWMutex
	frames []sse.Frame
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEvents bounds each session's buffer to n frames. Values below one are
// ignored.
func WithMaxEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		maxEvents: DefaultMaxEvents,
		sessions:  make(map[string]*buffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores f under a fresh id, evicting the session's oldest frame when
// the buffer is full.
func (s *Store) Append(_ context.Context, sessionID string, f sse.Frame) (sse.Frame, error) {
	f.ID = strconv.FormatUint(s.counter.Add(1), 10)
	f.Data = append([]byte(nil), f.Data...)

	b := s.ensure(sessionID)
	b.mu.Lock()
	b.frames = append(b.frames, f)
	if over := len(b.frames) - s.maxEvents; over > 0 {
		clear(b.frames[:over])
		b.frames = b.frames[over:]
	}
	b.mu.Unlock()

	return f, nil
}

// After returns the frames buffered after lastEventID. The second result is
// false when lastEventID is not (or no longer) in the buffer.
func (s *Store) After(_ context.Context, sessionID, lastEventID string) ([]sse.Frame, bool, error) {
	if lastEventID == "" {
		return nil, false, nil
	}
	s.mu.RLock()
	b, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.frames {
		if b.frames[i].ID == lastEventID {
			out := make([]sse.Frame, len(b.frames)-i-1)
			copy(out, b.frames[i+1:])
			return out, true, nil
		}
	}
	return nil, false, nil
}

// Purge drops every frame buffered for sessionID.
func (s *Store) Purge(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Len reports how many frames are buffered for sessionID.
func (s *Store) Len(sessionID string) int {
	s.mu.RLock()
	b, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

func (s *Store) ensure(sessionID string) *buffer {
	s.mu.RLock()
	b, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.sessions[sessionID]; ok {
		return b
	}
	b = &buffer{}
	s.sessions[sessionID] = b
	return b
}
