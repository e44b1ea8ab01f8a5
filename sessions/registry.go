package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/keylock"
	"github.com/ggoodman/mcp-gateway-go/router"
	"github.com/ggoodman/mcp-gateway-go/sessions/memorystore"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTTL               = 30 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = 60 * time.Second
)

var (
	// ErrSessionNotFound is returned when a session id is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrShutdown is returned by Connect after Shutdown.
	ErrShutdown = errors.New("session registry shut down")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,128}$`)

// ValidID reports whether id may be adopted as a caller-supplied session id.
func ValidID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Sink is the write side of one SSE connection.
type Sink interface {
	// Open commits the response headers, exposing sessionID to the client.
	Open(sessionID string) error
	// WriteFrame writes and flushes one frame.
	WriteFrame(f sse.Frame) error
}

// ConnectRequest describes an SSE GET.
type ConnectRequest struct {
	// SessionID is the caller-supplied id. Empty or malformed ids get a fresh
	// one, as do ids held by another principal.
	SessionID string
	// LastEventID, when found in the session's buffer, triggers a replay of
	// every later frame.
	LastEventID string
	PrincipalID string
	Sink        Sink
}

// Info is a read-only view of a session.
type Info struct {
	ID           string
	PrincipalID  string
	CreatedAt    time.Time
	LastActivity time.Time
	LastEventID  string
	Connected    bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets how long a session may go without activity before Sweep
// terminates it.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithHeartbeatInterval sets the ping period of attached connections.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// WithSweepInterval sets the period used by Run.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithEventStore replaces the default in-memory store.
func WithEventStore(s EventStore) Option {
	return func(r *Registry) {
		if s != nil {
			r.store = s
		}
	}
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides time.Now for activity bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is the set of live sessions. It is safe for concurrent use.
type Registry struct {
	ttl           time.Duration
	heartbeat     time.Duration
	sweepInterval time.Duration
	store         EventStore
	log           *slog.Logger
	now           func() time.Time

	locks keylock.Table

	mu       sync.RWMutex
	sessions map[string]*session

	closed       atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// session fields other than lastActivity are guarded by the session id's
// keylock.
type session struct {
	id          string
	principalID string
	createdAt   time.Time
	lastEventID string
	conn        *connection

	lastActivity atomic.Int64

	cleanups    map[uint64]func()
	nextCleanup uint64
}

func (s *session) touch(t time.Time) { s.lastActivity.Store(t.UnixNano()) }

type connection struct {
	sink Sink
	done chan struct{}
	once sync.Once
}

func (c *connection) stop() {
	c.once.Do(func() { close(c.done) })
}

// Conn is an attached SSE connection.
type Conn struct {
	r       *Registry
	id      string
	resumed bool
	c       *connection
}

// ID returns the session id the connection is attached to.
func (c *Conn) ID() string { return c.id }

// Resumed reports whether the connect replayed buffered frames.
func (c *Conn) Resumed() bool { return c.resumed }

// Done is closed when the registry detaches the connection: on terminate,
// heartbeat failure, replacement by a newer connection or shutdown.
func (c *Conn) Done() <-chan struct{} { return c.c.done }

// Close detaches the connection, as when the client's socket closes. The
// session itself survives until its TTL elapses or it is terminated. Close is
// idempotent.
func (c *Conn) Close() {
	unlock := c.r.locks.Lock(c.id)
	defer unlock()
	if s := c.r.get(c.id); s != nil && s.conn == c.c {
		c.r.detachLocked(s, "closed")
		return
	}
	c.c.stop()
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		ttl:           DefaultTTL,
		heartbeat:     DefaultHeartbeatInterval,
		sweepInterval: DefaultSweepInterval,
		log:           slog.Default(),
		now:           time.Now,
		sessions:      make(map[string]*session),
		shutdownCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = memorystore.New()
	}
	return r
}

func (r *Registry) get(id string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Connect attaches req.Sink to a session, creating the session if needed. The
// sink receives the open frame, then any replayed frames, then live frames and
// pings until the returned Conn is closed or detached.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (*Conn, error) {
	if r.closed.Load() {
		return nil, ErrShutdown
	}
	if req.Sink == nil {
		return nil, errors.New("sessions: connect requires a sink")
	}

	id := req.SessionID
	if !ValidID(id) {
		id = uuid.NewString()
	}

	var (
		unlock func()
		s      *session
	)
	for {
		unlock = r.locks.Lock(id)
		s = r.get(id)
		if s == nil || s.principalID == req.PrincipalID {
			break
		}
		unlock()
		r.log.WarnContext(ctx, "session.connect.principal_mismatch", slog.String("requested_id", id))
		id = uuid.NewString()
	}
	defer unlock()

	now := r.now()
	created := s == nil
	if created {
		s = &session{
			id:          id,
			principalID: req.PrincipalID,
			createdAt:   now,
			cleanups:    make(map[uint64]func()),
		}
		r.mu.Lock()
		r.sessions[id] = s
		r.mu.Unlock()
	}
	s.touch(now)

	if s.conn != nil {
		r.detachLocked(s, "replaced")
	}

	conn := &connection{sink: req.Sink, done: make(chan struct{})}

	var replay []sse.Frame
	var resumed bool
	if req.LastEventID != "" {
		frames, found, err := r.store.After(ctx, id, req.LastEventID)
		if err != nil {
			r.log.ErrorContext(ctx, "session.replay.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		}
		replay, resumed = frames, found
	}

	// A session created by this call must not outlive a failed handshake.
	fail := func(err error) (*Conn, error) {
		if created {
			r.mu.Lock()
			delete(r.sessions, id)
			r.mu.Unlock()
			if perr := r.store.Purge(ctx, id); perr != nil {
				r.log.ErrorContext(ctx, "session.purge.fail", slog.String("session_id", id), slog.String("err", perr.Error()))
			}
		}
		r.log.WarnContext(ctx, "session.connect.fail", slog.String("session_id", id), slog.Bool("created", created), slog.String("err", err.Error()))
		return nil, err
	}

	if err := req.Sink.Open(id); err != nil {
		return fail(fmt.Errorf("open session stream: %w", err))
	}
	if err := req.Sink.WriteFrame(openFrame(id, resumed)); err != nil {
		return fail(fmt.Errorf("write open frame: %w", err))
	}
	for _, f := range replay {
		if err := req.Sink.WriteFrame(f); err != nil {
			return fail(fmt.Errorf("replay frame %s: %w", f.ID, err))
		}
	}

	s.conn = conn
	go r.heartbeatLoop(id, conn)

	r.log.InfoContext(ctx, "session.connect.ok",
		slog.String("session_id", id),
		slog.Bool("created", created),
		slog.Bool("resumed", resumed),
		slog.Int("replayed", len(replay)),
	)

	return &Conn{r: r, id: id, resumed: resumed, c: conn}, nil
}

func openFrame(sessionID string, resumed bool) sse.Frame {
	data, _ := json.Marshal(struct {
		SessionID string `json:"sessionId"`
		Resumed   bool   `json:"resumed"`
	}{sessionID, resumed})
	return sse.Frame{Event: sse.EventOpen, Data: data}
}

func pingFrame(t time.Time) sse.Frame {
	return sse.Frame{Event: sse.EventPing, Data: []byte(fmt.Sprintf(`{"ts":%d}`, t.UnixMilli()))}
}

// Push delivers f to a session. Replayable frames are buffered first, so a
// detached session still receives them on resume. Push reports whether the
// frame was written to a live connection.
func (r *Registry) Push(ctx context.Context, sessionID string, f sse.Frame) bool {
	ok, _ := r.push(ctx, sessionID, f)
	return ok
}

// push returns ErrSessionNotFound for unknown sessions and the write error
// when a live write fails. A frame buffered for a detached session is neither
// delivered nor an error.
func (r *Registry) push(ctx context.Context, sessionID string, f sse.Frame) (bool, error) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	s := r.get(sessionID)
	if s == nil {
		return false, ErrSessionNotFound
	}

	if f.Replayable() {
		stored, err := r.store.Append(ctx, sessionID, f)
		if err != nil {
			r.log.ErrorContext(ctx, "session.buffer.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		} else {
			f = stored
			s.lastEventID = f.ID
		}
	}
	s.touch(r.now())

	if s.conn == nil {
		return false, nil
	}
	if err := s.conn.sink.WriteFrame(f); err != nil {
		r.log.WarnContext(ctx, "session.push.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		r.detachLocked(s, "write failed")
		return false, err
	}
	return true, nil
}

func (r *Registry) heartbeatLoop(sessionID string, c *connection) {
	t := time.NewTicker(r.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if !r.ping(sessionID, c) {
				return
			}
		}
	}
}

func (r *Registry) ping(sessionID string, c *connection) bool {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	s := r.get(sessionID)
	if s == nil || s.conn != c {
		c.stop()
		return false
	}
	now := r.now()
	if err := c.sink.WriteFrame(pingFrame(now)); err != nil {
		r.log.Warn("session.heartbeat.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		r.detachLocked(s, "heartbeat failed")
		return false
	}
	s.touch(now)
	return true
}

// detachLocked drops the session's connection. Requires the session's keylock.
func (r *Registry) detachLocked(s *session, reason string) {
	if s.conn == nil {
		return
	}
	s.conn.stop()
	s.conn = nil
	r.log.Debug("session.detach", slog.String("session_id", s.id), slog.String("reason", reason))
}

// Terminate removes a session: its connection is detached, its cleanup
// callbacks run exactly once and its buffer is purged. Terminating an unknown
// session is a no-op.
func (r *Registry) Terminate(ctx context.Context, sessionID string) error {
	return r.remove(ctx, sessionID, "terminated", nil, true)
}

// remove takes a session out of the registry when keep is nil or returns
// false for it.
func (r *Registry) remove(ctx context.Context, sessionID, reason string, keep func(*session) bool, purge bool) error {
	unlock := r.locks.Lock(sessionID)
	s := r.get(sessionID)
	if s == nil || (keep != nil && keep(s)) {
		unlock()
		return nil
	}

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.detachLocked(s, reason)
	cleanups := s.cleanups
	s.cleanups = nil
	unlock()

	for _, fn := range cleanups {
		r.runCleanup(sessionID, fn)
	}

	r.log.InfoContext(ctx, "session.terminate.ok", slog.String("session_id", sessionID), slog.String("reason", reason))

	if !purge {
		return nil
	}
	if err := r.store.Purge(ctx, sessionID); err != nil {
		return fmt.Errorf("purge session %s: %w", sessionID, err)
	}
	return nil
}

func (r *Registry) runCleanup(sessionID string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("session.cleanup.panic", slog.String("session_id", sessionID), slog.Any("panic", p))
		}
	}()
	fn()
}

// OnCleanup registers fn to run when the session is terminated. ok is false
// when the session does not exist.
func (r *Registry) OnCleanup(sessionID string, fn func()) (unregister func(), ok bool) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	s := r.get(sessionID)
	if s == nil {
		return func() {}, false
	}
	s.nextCleanup++
	h := s.nextCleanup
	s.cleanups[h] = fn

	return func() {
		unlock := r.locks.Lock(sessionID)
		defer unlock()
		if s.cleanups != nil {
			delete(s.cleanups, h)
		}
	}, true
}

// Lookup returns a snapshot of a session.
func (r *Registry) Lookup(sessionID string) (Info, bool) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	s := r.get(sessionID)
	if s == nil {
		return Info{}, false
	}
	return Info{
		ID:           s.id,
		PrincipalID:  s.principalID,
		CreatedAt:    s.createdAt,
		LastActivity: time.Unix(0, s.lastActivity.Load()),
		LastEventID:  s.lastEventID,
		Connected:    s.conn != nil,
	}, true
}

// Len reports the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep terminates, in parallel, every session idle for longer than the TTL.
func (r *Registry) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.ttl).UnixNano()

	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if s.lastActivity.Load() < cutoff {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return nil
	}

	stillActive := func(s *session) bool { return s.lastActivity.Load() >= cutoff }

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range expired {
		g.Go(func() error {
			return r.remove(gctx, id, "expired", stillActive, true)
		})
	}
	err := g.Wait()

	r.log.InfoContext(ctx, "session.sweep", slog.Int("expired", len(expired)), slog.Int("remaining", r.Len()))
	return err
}

// Run sweeps on the configured interval until ctx is done or Shutdown is
// called.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.shutdownCh:
			return nil
		case <-t.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.ErrorContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
			}
		}
	}
}

// Shutdown stops the sweep loop, detaches every connection and runs every
// cleanup callback. Buffered frames are left to the store's own expiry.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		close(r.shutdownCh)
	})

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return r.remove(gctx, id, "shutdown", nil, false)
		})
	}
	return g.Wait()
}

// Sink adapts a session to router.Sink so a Router can stream into it. A
// frame buffered for a detached session counts as sent.
func (r *Registry) Sink(sessionID string) router.Sink {
	return sessionSink{r: r, id: sessionID}
}

type sessionSink struct {
	r  *Registry
	id string
}

func (s sessionSink) Send(ctx context.Context, f sse.Frame) error {
	_, err := s.r.push(ctx, s.id, f)
	return err
}
