// Package artifacts keeps large tool outputs (rendered map images and the
// like) out of model-facing responses. Tools put the bytes here and emit an
// artifact_event that references them by URI; clients download the bytes from
// Handler.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-gateway-go/streaming"
)

// Defaults for NewStore.
const (
	DefaultTTL           = 15 * time.Minute
	DefaultMaxTotalBytes = 256 << 20
	DefaultPruneInterval = time.Minute
)

// Artifact describes stored content.
type Artifact struct {
	ID        string
	URI       string
	MIME      string
	Bytes     int64
	SHA256    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Event returns the artifact_event referencing a.
func (a Artifact) Event() streaming.ArtifactEvent {
	exp := a.ExpiresAt
	return streaming.ArtifactEvent{
		ID:        a.ID,
		URI:       a.URI,
		MIME:      a.MIME,
		Bytes:     a.Bytes,
		SHA256:    a.SHA256,
		ExpiresAt: &exp,
	}
}

type entry struct {
	Artifact
	data []byte
}

// Store is a bounded in-memory artifact store. Entries expire after their
// TTL; when the byte budget is exceeded the oldest entries are evicted first.
type Store struct {
	baseURL  string
	ttl      time.Duration
	maxBytes int64
	now      func() time.Time
	log      *slog.Logger

	mu    sync.Mutex
	items map[string]*entry
	order []string // insertion order, oldest first
	total int64
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the default lifetime for artifacts put with ttl <= 0.
func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

// WithMaxTotalBytes bounds the bytes held across all artifacts.
func WithMaxTotalBytes(n int64) Option { return func(s *Store) { s.maxBytes = n } }

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// NewStore returns a Store whose artifact URIs are baseURL + "/" + id.
func NewStore(baseURL string, opts ...Option) *Store {
	s := &Store{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		ttl:      DefaultTTL,
		maxBytes: DefaultMaxTotalBytes,
		now:      time.Now,
		log:      slog.Default(),
		items:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores a copy of data and returns its descriptor.
func (s *Store) Put(data []byte, mime string, ttl time.Duration) Artifact {
	if ttl <= 0 {
		ttl = s.ttl
	}
	sum := sha256.Sum256(data)
	now := s.now()
	id := uuid.NewString()
	a := Artifact{
		ID:        id,
		URI:       s.baseURL + "/" + id,
		MIME:      mime,
		Bytes:     int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = &entry{Artifact: a, data: append([]byte(nil), data...)}
	s.order = append(s.order, id)
	s.total += a.Bytes
	for s.total > s.maxBytes && len(s.order) > 1 {
		s.removeLocked(s.order[0])
	}
	return a
}

// Get returns the artifact and its bytes if it exists and has not expired.
func (s *Store) Get(id string) (Artifact, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return Artifact{}, nil, false
	}
	if !s.now().Before(e.ExpiresAt) {
		s.removeLocked(id)
		return Artifact{}, nil, false
	}
	return e.Artifact, e.data, true
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Prune removes expired artifacts and reports how many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var expired []string
	for id, e := range s.items {
		if !now.Before(e.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.removeLocked(id)
	}
	return len(expired)
}

// Run prunes every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Prune(); n > 0 {
				s.log.DebugContext(ctx, "artifacts.prune", slog.Int("removed", n))
			}
		}
	}
}

func (s *Store) removeLocked(id string) {
	e, ok := s.items[id]
	if !ok {
		return
	}
	delete(s.items, id)
	s.total -= e.Bytes
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
