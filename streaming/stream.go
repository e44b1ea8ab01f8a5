package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Stream.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ErrStateViolation is wrapped by every illegal lifecycle transition.
var ErrStateViolation = errors.New("streaming state violation")

// StateError describes an operation attempted in a state that does not allow it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("streaming: cannot %s a %s stream", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrStateViolation }

// Transition is delivered to listeners on every state change.
type Transition struct {
	From   State
	To     State
	Reason string
}

// Listener observes a Stream. Calls for one Stream are made sequentially, in
// emission order, and must not call back into Emit.
type Listener interface {
	OnEvent(Event)
	OnTransition(Transition)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Event      func(Event)
	Transition func(Transition)
}

func (l ListenerFuncs) OnEvent(e Event) {
	if l.Event != nil {
		l.Event(e)
	}
}

func (l ListenerFuncs) OnTransition(t Transition) {
	if l.Transition != nil {
		l.Transition(t)
	}
}

// ErrorHandler receives errors that are not returned to the emitter: invalid
// events and listener panics.
type ErrorHandler func(error)

// Stats is a snapshot of a Stream's counters.
type Stats struct {
	Total          uint64            `json:"total"`
	LLM            uint64            `json:"llm"`
	Artifact       uint64            `json:"artifact"`
	ByType         map[string]uint64 `json:"byType"`
	Evicted        uint64            `json:"evicted"`
	Rejected       uint64            `json:"rejected"`
	EstimatedBytes int64             `json:"estimatedBytes,omitempty"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	EndedAt        *time.Time        `json:"endedAt,omitempty"`
}

// Duration returns the active time of the stream, or the time since start
// when it is still running.
func (s Stats) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.EndedAt == nil {
		return time.Since(*s.StartedAt)
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

const defaultMaxBufferSize = 100

// Option configures a Stream.
type Option func(*config)

type config struct {
	id              string
	maxBufferSize   int
	flushOnComplete bool
	cancelOnError   bool
	metrics         bool
	logger          *slog.Logger
}

// WithID sets the stream id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithMaxBufferSize bounds the replay buffer; the oldest events are evicted
// first. Zero means unbounded. The default is 100.
func WithMaxBufferSize(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxBufferSize = n
		}
	}
}

// WithFlushOnComplete clears the buffer when the stream completes.
func WithFlushOnComplete(v bool) Option {
	return func(c *config) { c.flushOnComplete = v }
}

// WithCancelOnError makes a fatal EmitError cancel the stream.
func WithCancelOnError(v bool) Option {
	return func(c *config) { c.cancelOnError = v }
}

// WithMetrics enables payload size estimation. Estimation runs off the
// emitting goroutine.
func WithMetrics(v bool) Option {
	return func(c *config) { c.metrics = v }
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Stream is the state machine and bounded buffer for one logical unit of
// streamed work. It is safe for concurrent use.
type Stream struct {
	id  string
	cfg config
	log *slog.Logger

	// emitMu serializes emission and delivery so listeners observe sequence order.
	emitMu sync.Mutex

	mu           sync.Mutex
	state        State
	buf          []Event
	seq          uint64
	stats        Stats
	cancelReason string
	result       any
	listeners    map[uint64]Listener
	errHandlers  map[uint64]ErrorHandler
	nextHandle   uint64

	estimatedBytes atomic.Int64
	estimates      sync.WaitGroup
}

// New creates a pending Stream.
func New(opts ...Option) *Stream {
	cfg := config{maxBufferSize: defaultMaxBufferSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	return &Stream{
		id:          cfg.id,
		cfg:         cfg,
		log:         cfg.logger.With(slog.String("stream_id", cfg.id)),
		state:       StatePending,
		listeners:   make(map[uint64]Listener),
		errHandlers: make(map[uint64]ErrorHandler),
		stats:       Stats{ByType: make(map[string]uint64)},
	}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CancelReason returns the reason recorded by Cancel, if any.
func (s *Stream) CancelReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReason
}

// SetResult records the final result carried by the completion frame.
func (s *Stream) SetResult(v any) {
	s.mu.Lock()
	s.result = v
	s.mu.Unlock()
}

// Result returns the value recorded by SetResult.
func (s *Stream) Result() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Start moves a pending stream to active.
func (s *Stream) Start() error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != StatePending {
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "start", State: st}
	}
	now := time.Now()
	s.state = StateActive
	s.stats.StartedAt = &now
	s.mu.Unlock()

	s.notifyTransition(Transition{From: StatePending, To: StateActive})
	return nil
}

// Complete moves an active stream to completed. Completing an already
// completed stream is a no-op.
func (s *Stream) Complete() error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateCompleted:
		s.mu.Unlock()
		return nil
	case StateActive:
	default:
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "complete", State: st}
	}
	now := time.Now()
	s.state = StateCompleted
	s.stats.EndedAt = &now
	if s.cfg.flushOnComplete {
		s.buf = nil
	}
	s.mu.Unlock()

	s.log.Debug("stream.complete")
	s.notifyTransition(Transition{From: StateActive, To: StateCompleted})
	return nil
}

// Cancel moves a pending or active stream to cancelled and records reason.
// Cancelling an already cancelled stream is a no-op.
func (s *Stream) Cancel(reason string) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.cancelLocked(reason)
}

// cancelLocked requires emitMu.
func (s *Stream) cancelLocked(reason string) error {
	s.mu.Lock()
	from := s.state
	switch from {
	case StateCancelled:
		s.mu.Unlock()
		return nil
	case StatePending, StateActive:
	default:
		s.mu.Unlock()
		return &StateError{Op: "cancel", State: from}
	}
	now := time.Now()
	s.state = StateCancelled
	s.cancelReason = reason
	s.stats.EndedAt = &now
	s.mu.Unlock()

	s.log.Debug("stream.cancel", slog.String("reason", reason))
	s.notifyTransition(Transition{From: from, To: StateCancelled, Reason: reason})
	return nil
}

// Emit appends e to the buffer and delivers it to every listener. It returns
// false without effect when the stream is not active. Invalid events are
// reported to the error handlers and also return false.
func (s *Stream) Emit(e Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.emitLocked(e)
}

func (s *Stream) emitLocked(e Event) bool {
	if e == nil {
		s.reportError(fmt.Errorf("%w: nil event", ErrInvalidEvent))
		return false
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false
	}
	if err := e.Validate(); err != nil {
		s.stats.Rejected++
		s.mu.Unlock()
		s.reportError(err)
		return false
	}

	s.seq++
	stamped := e.stamp(s.seq, time.Now())

	s.buf = append(s.buf, stamped)
	if limit := s.cfg.maxBufferSize; limit > 0 && len(s.buf) > limit {
		over := len(s.buf) - limit
		clear(s.buf[:over])
		s.buf = s.buf[over:]
		s.stats.Evicted += uint64(over)
	}

	s.stats.Total++
	switch stamped.(type) {
	case LlmEvent:
		s.stats.LLM++
	case ArtifactEvent:
		s.stats.Artifact++
	}
	s.stats.ByType[TypeKey(stamped)]++

	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if s.cfg.metrics {
		s.estimates.Add(1)
		go func() {
			defer s.estimates.Done()
			if b, err := json.Marshal(stamped); err == nil {
				s.estimatedBytes.Add(int64(len(b)))
			}
		}()
	}

	for _, l := range listeners {
		s.deliver(func() { l.OnEvent(stamped) })
	}
	return true
}

// EmitError emits an error llm_event. When fatal is set and the stream was
// created with WithCancelOnError, the stream is then cancelled with message
// as the reason.
func (s *Stream) EmitError(code, message string, details any, fatal bool) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	ok := s.emitLocked(Error(code, message, details, fatal))
	if fatal && s.cfg.cancelOnError {
		if err := s.cancelLocked(message); err != nil {
			s.log.Debug("stream.cancel_on_error.skip", slog.String("err", err.Error()))
		}
	}
	return ok
}

// GetEvents returns buffered events matching filter (nil matches all),
// skipping offset matches and returning at most limit (limit <= 0: no limit).
func (s *Stream) GetEvents(offset, limit int, filter func(Event) bool) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	skipped := 0
	for _, e := range s.buf {
		if filter != nil && !filter(e) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats returns a snapshot of the counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ByType = make(map[string]uint64, len(s.stats.ByType))
	for k, v := range s.stats.ByType {
		out.ByType[k] = v
	}
	out.EstimatedBytes = s.estimatedBytes.Load()
	return out
}

// Subscribe registers l and returns the function that removes it. The
// returned function is safe to call more than once.
func (s *Stream) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextHandle++
	h := s.nextHandle
	s.listeners[h] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, h)
		s.mu.Unlock()
	}
}

// OnError registers an error handler and returns the function that removes it.
func (s *Stream) OnError(fn ErrorHandler) (unregister func()) {
	s.mu.Lock()
	s.nextHandle++
	h := s.nextHandle
	s.errHandlers[h] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.errHandlers, h)
		s.mu.Unlock()
	}
}

// snapshotListeners requires mu. Handles are increasing, so sorting by handle
// keeps delivery in subscription order.
func (s *Stream) snapshotListeners() []Listener {
	if len(s.listeners) == 0 {
		return nil
	}
	handles := make([]uint64, 0, len(s.listeners))
	for h := range s.listeners {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	out := make([]Listener, len(handles))
	for i, h := range handles {
		out[i] = s.listeners[h]
	}
	return out
}

func (s *Stream) notifyTransition(t Transition) {
	s.mu.Lock()
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	for _, l := range listeners {
		s.deliver(func() { l.OnTransition(t) })
	}
}

// deliver runs fn, converting a panic into an error report so one failing
// listener never prevents delivery to the others.
func (s *Stream) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.reportError(fmt.Errorf("streaming listener panic: %v", r))
		}
	}()
	fn()
}

func (s *Stream) reportError(err error) {
	s.mu.Lock()
	handlers := make([]ErrorHandler, 0, len(s.errHandlers))
	for _, h := range s.errHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		s.log.Warn("stream.error.unhandled", slog.String("err", err.Error()))
		return
	}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("stream.error_handler.panic", slog.Any("panic", r))
				}
			}()
			h(err)
		}()
	}
}

type streamKey struct{}

// WithContext returns a context carrying s, for tools that emit into the
// stream of the call they serve.
func WithContext(ctx context.Context, s *Stream) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, streamKey{}, s)
}

// FromContext retrieves the Stream attached by WithContext.
func FromContext(ctx context.Context) (*Stream, bool) {
	s, ok := ctx.Value(streamKey{}).(*Stream)
	return s, ok && s != nil
}
