// Package router couples a streaming.Stream to an SSE sink. A Router
// subscribes to the stream, filters events by channel (llm_event and
// artifact_event) and predicate, batches them under an adaptive timer, sheds
// load when the sink falls behind and writes the lifecycle frames that close
// out the stream.
//
// All sink writes happen on one goroutine per Router, so emitters never block
// on the network and frames reach the sink in sequence order.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/ggoodman/mcp-gateway-go/streaming"
)

const (
	baseFlushInterval      = 100 * time.Millisecond
	subBatchSize           = 10
	emergencyFactor        = 5
	backpressureFactor     = 10
	maxConsecutiveFailures = 5
	detachDrainTimeout     = time.Second
)

// ErrDetached is returned by Flush once the router has shut down.
var ErrDetached = errors.New("router detached")

// Sink receives framed events. If a Sink also implements io.Closer it is
// closed when the router shuts down.
type Sink interface {
	Send(ctx context.Context, f sse.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f sse.Frame) error

func (fn SinkFunc) Send(ctx context.Context, f sse.Frame) error { return fn(ctx, f) }

// Routing gates each channel of the event union.
type Routing struct {
	LLM      bool
	Artifact bool
}

// Options configures Attach.
type Options struct {
	// Routing selects the forwarded channels. Nil forwards both.
	Routing *Routing
	// Filter, when set, must return true for an event to be forwarded.
	Filter func(streaming.Event) bool
	// BatchSize of 1 or less writes every accepted event immediately.
	BatchSize int
	// HeartbeatInterval, when positive, writes a ping control frame on that
	// period. Pings carry no sequence number and are never buffered for replay.
	HeartbeatInterval time.Duration
	// WatchdogTimeout, when positive, force-closes a router that has seen no
	// events for that long.
	WatchdogTimeout time.Duration
	// OnDisconnect runs after the router closes because the stream was
	// cancelled or the sink failed repeatedly.
	OnDisconnect func(reason string)
	// OnError receives delivery and serialization errors.
	OnError func(error)
	Logger  *slog.Logger
}

// Stats is a snapshot of router counters.
type Stats struct {
	Queued              int    `json:"queued"`
	Sent                uint64 `json:"sent"`
	Filtered            uint64 `json:"filtered"`
	Dropped             uint64 `json:"dropped"`
	Failures            uint64 `json:"failures"`
	Batches             uint64 `json:"batches"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Backpressured       bool   `json:"backpressured"`
}

// Router forwards one stream's events to one sink.
type Router struct {
	stream       *streaming.Stream
	sink         Sink
	routing      Routing
	filter       func(streaming.Event) bool
	batchSize    int
	heartbeat    time.Duration
	watchdog     time.Duration
	onDisconnect func(string)
	onError      func(error)
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	unsubscribe  func()
	wake         chan struct{}
	flushReqs    chan chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
	exited       chan struct{}
	teardownOnce sync.Once

	lastActivity atomic.Int64

	mu            sync.Mutex
	queue         []streaming.Event
	urgent        bool
	due           bool
	timer         *time.Timer
	timerGen      uint64
	deadline      time.Time
	terminal      *streaming.Transition
	detached      bool
	backpressured bool
	failures      int
	lastSeq       uint64
	stats         Stats
}

// Attach subscribes a new Router to s and starts its flush goroutine.
func Attach(s *streaming.Stream, sink Sink, opts Options) *Router {
	routing := Routing{LLM: true, Artifact: true}
	if opts.Routing != nil {
		routing = *opts.Routing
	}
	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := &Router{
		stream:       s,
		sink:         sink,
		routing:      routing,
		filter:       opts.Filter,
		batchSize:    batchSize,
		heartbeat:    opts.HeartbeatInterval,
		watchdog:     opts.WatchdogTimeout,
		onDisconnect: opts.OnDisconnect,
		onError:      opts.OnError,
		log:          log.With(slog.String("stream_id", s.ID())),
		wake:         make(chan struct{}, 1),
		flushReqs:    make(chan chan struct{}),
		stop:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.lastActivity.Store(time.Now().UnixNano())

	r.unsubscribe = s.Subscribe(listener{r})
	if st := s.State(); st.Terminal() {
		r.onTransition(streaming.Transition{To: st, Reason: s.CancelReason()})
	}

	go r.run()

	return r
}

type listener struct{ r *Router }

func (l listener) OnEvent(e streaming.Event)            { l.r.Send(e) }
func (l listener) OnTransition(t streaming.Transition) { l.r.onTransition(t) }

// Send offers e to the router. It reports whether the event was accepted for
// delivery; events rejected by routing or the filter, and events sent after
// shutdown, return false.
func (r *Router) Send(e streaming.Event) bool {
	if e == nil {
		return false
	}
	if !r.accepts(e) {
		r.mu.Lock()
		r.stats.Filtered++
		r.mu.Unlock()
		return false
	}
	r.lastActivity.Store(time.Now().UnixNano())

	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return false
	}
	if seq := e.Sequence(); seq > r.lastSeq {
		r.lastSeq = seq
	}
	r.queue = append(r.queue, e)
	if threshold := backpressureFactor * r.batchSize; len(r.queue) >= threshold {
		r.trimLocked()
	}
	n := len(r.queue)

	wake := r.batchSize == 1 || n >= r.batchSize
	if r.batchSize > 1 {
		if n >= emergencyFactor*r.batchSize {
			r.urgent = true
		}
		r.armTimerLocked(n)
	}
	r.mu.Unlock()

	if wake {
		r.signal()
	}
	return true
}

func (r *Router) accepts(e streaming.Event) bool {
	switch e.(type) {
	case streaming.LlmEvent:
		if !r.routing.LLM {
			return false
		}
	case streaming.ArtifactEvent:
		if !r.routing.Artifact {
			return false
		}
	default:
		return false
	}
	return r.filter == nil || r.filter(e)
}

// trimLocked keeps the newest 80% of the queue plus every older event that
// must never be shed.
func (r *Router) trimLocked() {
	keep := len(r.queue) * 8 / 10
	cut := len(r.queue) - keep

	trimmed := make([]streaming.Event, 0, len(r.queue))
	dropped := 0
	for _, e := range r.queue[:cut] {
		if streaming.IsPriority(e) {
			trimmed = append(trimmed, e)
			continue
		}
		dropped++
	}
	trimmed = append(trimmed, r.queue[cut:]...)
	r.queue = trimmed
	r.stats.Dropped += uint64(dropped)

	if !r.backpressured {
		r.backpressured = true
		r.log.Warn("router.backpressure.enter",
			slog.Int("queued", len(r.queue)),
			slog.Int("dropped", dropped),
			slog.Int("threshold", backpressureFactor*r.batchSize),
		)
	}
}

// armTimerLocked schedules the batch timer. The interval shrinks as the queue
// grows; an armed timer is only ever moved earlier.
func (r *Router) armTimerLocked(n int) {
	interval := baseFlushInterval
	switch {
	case n > 2*r.batchSize:
		interval = baseFlushInterval / 4
	case n > r.batchSize:
		interval = baseFlushInterval / 2
	}
	deadline := time.Now().Add(interval)
	if r.timer != nil && !deadline.Before(r.deadline) {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerGen++
	gen := r.timerGen
	r.deadline = deadline
	r.timer = time.AfterFunc(interval, func() {
		r.mu.Lock()
		if r.timerGen != gen {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.due = true
		r.mu.Unlock()
		r.signal()
	})
}

func (r *Router) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *Router) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Router) onTransition(t streaming.Transition) {
	if !t.To.Terminal() {
		return
	}
	r.mu.Lock()
	if r.terminal == nil && !r.detached {
		r.terminal = &t
	}
	r.mu.Unlock()
	r.signal()
}

// Flush writes every queued event now and waits for the writes to finish.
func (r *Router) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.flushReqs <- done:
	case <-r.exited:
		return ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach stops the router: timers are stopped, the stream subscription is
// removed and queued events are flushed best-effort. It is safe to call more
// than once and from any goroutine.
func (r *Router) Detach() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed once the router has shut down.
func (r *Router) Done() <-chan struct{} { return r.exited }

// Pending returns a copy of the events waiting to be written.
func (r *Router) Pending() []streaming.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.queue)
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.Queued = len(r.queue)
	out.Backpressured = r.backpressured
	out.ConsecutiveFailures = r.failures
	return out
}

func (r *Router) run() {
	defer close(r.exited)

	var heartbeat <-chan time.Time
	if r.heartbeat > 0 {
		t := time.NewTicker(r.heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}
	var watchdog *time.Timer
	var watchdogC <-chan time.Time
	if r.watchdog > 0 {
		watchdog = time.NewTimer(r.watchdog)
		defer watchdog.Stop()
		watchdogC = watchdog.C
	}

	for {
		select {
		case <-r.stop:
			ctx, cancel := context.WithTimeout(r.ctx, detachDrainTimeout)
			closed := r.process(ctx, true)
			cancel()
			if !closed {
				r.teardown("detached")
			}
			return
		case <-r.wake:
			if r.process(r.ctx, false) {
				return
			}
		case done := <-r.flushReqs:
			closed := r.process(r.ctx, true)
			close(done)
			if closed {
				return
			}
		case <-heartbeat:
			if r.deliver(r.ctx, pingFrame(r.stream.ID(), time.Now())) {
				return
			}
		case <-watchdogC:
			idle := time.Since(time.Unix(0, r.lastActivity.Load()))
			if idle >= r.watchdog {
				r.log.Warn("router.watchdog.expired", slog.Duration("idle", idle))
				r.forceClose("watchdog timeout")
				return
			}
			watchdog.Reset(r.watchdog - idle)
		}
	}
}

// process writes queued events in batches. Without all, it stops once fewer
// than batchSize events remain unless the batch timer fired or an emergency
// flush was requested. Once the queue is empty a pending lifecycle transition
// is written and the router closes; process reports whether that happened.
func (r *Router) process(ctx context.Context, all bool) (closed bool) {
	for {
		r.mu.Lock()
		n := len(r.queue)
		drainAll := all || r.urgent || r.due || r.terminal != nil || r.batchSize == 1
		if n == 0 || (!drainAll && n < r.batchSize) {
			if n == 0 {
				r.urgent, r.due = false, false
			}
			r.leaveBackpressureLocked()
			term := r.terminal
			r.mu.Unlock()

			if n == 0 && term != nil {
				r.finish(ctx, *term)
				return true
			}
			return false
		}

		take := min(n, r.batchSize)
		batch := slices.Clone(r.queue[:take])
		clear(r.queue[:take])
		r.queue = r.queue[take:]
		r.stats.Batches++
		r.leaveBackpressureLocked()
		r.mu.Unlock()

		if r.writeBatch(ctx, batch) {
			return true
		}
	}
}

func (r *Router) leaveBackpressureLocked() {
	if r.backpressured && len(r.queue) < backpressureFactor*r.batchSize/2 {
		r.backpressured = false
		r.log.Info("router.backpressure.leave", slog.Int("queued", len(r.queue)))
	}
}

// writeBatch writes frames in sub-batches, yielding the processor between
// them.
func (r *Router) writeBatch(ctx context.Context, batch []streaming.Event) (closed bool) {
	for i, e := range batch {
		if i > 0 && i%subBatchSize == 0 {
			runtime.Gosched()
		}
		if r.deliverEvent(ctx, e) {
			return true
		}
	}
	return false
}

func (r *Router) deliverEvent(ctx context.Context, e streaming.Event) (closed bool) {
	f, err := streaming.ToFrame(e)
	if err != nil {
		r.reportError(err)
		return false
	}
	return r.deliver(ctx, f)
}

// deliver writes one frame and maintains the consecutive-failure count. A
// failed write is followed by a best-effort error frame; reaching the failure
// limit closes the router.
func (r *Router) deliver(ctx context.Context, f sse.Frame) (closed bool) {
	err := r.sink.Send(ctx, f)

	r.mu.Lock()
	if err == nil {
		r.stats.Sent++
		if r.failures > 0 {
			r.failures--
		}
		r.mu.Unlock()
		return false
	}
	r.failures++
	r.stats.Failures++
	failures := r.failures
	r.mu.Unlock()

	r.log.Warn("router.send.fail", slog.String("event", f.Event), slog.Int("consecutive", failures), slog.String("err", err.Error()))
	r.reportError(fmt.Errorf("router: send %s frame: %w", f.Event, err))

	if failures >= maxConsecutiveFailures {
		r.forceClose(fmt.Sprintf("%d consecutive send failures", failures))
		return true
	}

	notice := streaming.Error("delivery_failed", "failed to deliver event", map[string]any{"consecutiveFailures": failures}, false)
	notice.Timestamp = time.Now().UnixMilli()
	if nf, err := streaming.ToFrame(notice); err == nil {
		_ = r.sink.Send(ctx, nf)
	}
	return false
}

// finish writes the lifecycle frames for a terminal transition and closes.
func (r *Router) finish(ctx context.Context, t streaming.Transition) {
	r.mu.Lock()
	seq := r.lastSeq
	r.mu.Unlock()
	now := time.Now().UnixMilli()

	var frames []streaming.LlmEvent
	switch t.To {
	case streaming.StateCompleted:
		result := streaming.Result(r.stream.Result())
		result.Seq, result.Timestamp = seq+1, now
		status := streaming.Status(string(streaming.StateCompleted))
		status.Seq, status.Timestamp = seq+2, now
		frames = append(frames, result, status)
	case streaming.StateCancelled:
		cancel := streaming.Cancel(t.Reason)
		cancel.Seq, cancel.Timestamp = seq+1, now
		frames = append(frames, cancel)
	}

	for _, ev := range frames {
		if r.deliverEvent(ctx, ev) {
			return
		}
	}
	if r.deliver(ctx, endFrame(r.stream.ID(), t)) {
		return
	}

	r.log.Debug("router.finish", slog.String("state", string(t.To)))
	r.teardown(string(t.To))
	if t.To == streaming.StateCancelled && r.onDisconnect != nil {
		r.onDisconnect(t.Reason)
	}
}

func endFrame(streamID string, t streaming.Transition) sse.Frame {
	data, _ := json.Marshal(struct {
		StreamID string `json:"streamId"`
		State    string `json:"state"`
		Reason   string `json:"reason,omitempty"`
	}{streamID, string(t.To), t.Reason})
	return sse.Frame{Event: sse.EventEnd, Data: data}
}

func pingFrame(streamID string, at time.Time) sse.Frame {
	data, _ := json.Marshal(struct {
		StreamID string `json:"streamId"`
		TS       int64  `json:"ts"`
	}{streamID, at.UnixMilli()})
	return sse.Frame{Event: sse.EventPing, Data: data}
}

func (r *Router) forceClose(reason string) {
	r.log.Error("router.force_close", slog.String("reason", reason))
	r.teardown(reason)
	if r.onDisconnect != nil {
		r.onDisconnect(reason)
	}
}

// teardown releases every resource held by the router. It runs on the flush
// goroutine.
func (r *Router) teardown(reason string) {
	r.teardownOnce.Do(func() {
		r.mu.Lock()
		r.detached = true
		r.stopTimerLocked()
		dropped := len(r.queue)
		r.stats.Dropped += uint64(dropped)
		r.queue = nil
		r.mu.Unlock()

		r.unsubscribe()
		r.cancel()
		if c, ok := r.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.log.Debug("router.sink.close.fail", slog.String("err", err.Error()))
			}
		}
		r.log.Debug("router.closed", slog.String("reason", reason), slog.Int("dropped", dropped))
	})
}

func (r *Router) reportError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}
