package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: RESULT events held before new ones are dropped (default 4096).
//   - LifecycleBufferSize: run and session events held (default 256).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize          int
	LifecycleBufferSize int
	MaxBatchEvents      int
	MaxBatchWait        time.Duration
	SinkTimeout         time.Duration
	BaseContext         context.Context
	Logger              *zap.Logger
}

const (
	defaultBufferSize          = 4096
	defaultLifecycleBufferSize = 256
	defaultMaxBatchEvents      = 1000
	defaultMaxBatchWait        = 500 * time.Millisecond
	defaultSinkTimeout         = 10 * time.Second
	dropLogInterval            = 5 * time.Second
)

// Hub fans shard progress out to sinks without ever blocking a worker.
//
// RESULT events and lifecycle events (run start, heartbeat, done, error and
// session refreshes) travel on separate buffers, so a burst of results cannot
// crowd out the event that closes a run. Each flushed batch keeps only the
// newest heartbeat per shard, and orders events so that a shard's RUN_START
// precedes its results and its RUN_DONE or RUN_ERROR follows them.
type Hub struct {
	cfg         Config
	sinks       []Sink
	results     chan Event
	lifecycle   chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	droppedAll  atomic.Int64
	coalesced   atomic.Int64
	sinkErrors  atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.LifecycleBufferSize <= 0 {
		cfg.LifecycleBufferSize = defaultLifecycleBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		results:     make(chan Event, cfg.BufferSize),
		lifecycle:   make(chan Event, cfg.LifecycleBufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. It never blocks; if the matching buffer
// is full the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	ch := h.lifecycle
	if evt.Stage == StageResult {
		ch = h.results
	}
	select {
	case ch <- evt:
	default:
		h.dropped.Add(1)
		h.droppedAll.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", count),
				zap.String("stage", string(evt.Stage)),
				zap.String("shard", evt.Shard),
			)
		}
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.droppedAll.Load()
}

// Coalesced reports how many superseded heartbeats were never forwarded.
func (h *Hub) Coalesced() int64 {
	if h == nil {
		return 0
	}
	return h.coalesced.Load()
}

// SinkErrors reports how many sink Consume calls failed.
func (h *Hub) SinkErrors() int64 {
	if h == nil {
		return 0
	}
	return h.sinkErrors.Load()
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.lifecycle:
			batch = h.enqueueEvent(batch, evt, timer, &timerActive)
		case evt := <-h.results:
			batch = h.enqueueEvent(batch, evt, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			batch = h.flush(batch)
		case <-h.stopCh:
			h.stopTimer(timer, &timerActive)
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) enqueueEvent(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.stopTimer(timer, timerActive)
		return h.flush(batch)
	}
	h.resetTimer(timer, timerActive)
	return batch
}

// drain forwards whatever is still buffered. Lifecycle events are taken
// first so a RUN_DONE emitted after the last result lands in the final batch.
func (h *Hub) drain(batch []Event) {
	for {
		var evt Event
		select {
		case evt = <-h.lifecycle:
		default:
			select {
			case evt = <-h.results:
			default:
				h.flush(batch)
				h.closeSinks()
				return
			}
		}
		batch = append(batch, evt)
		if len(batch) >= h.cfg.MaxBatchEvents {
			batch = h.flush(batch)
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

// flush sends batch to every sink and returns it emptied for reuse.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := arrange(batch)
	if n := len(batch) - len(out); n > 0 {
		h.coalesced.Add(int64(n))
	}
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx := baseCtx
		cancel := func() {}
		if h.cfg.SinkTimeout > 0 {
			ctx, cancel = context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		}
		if err := sink.Consume(ctx, out); err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("progress sink consume failed", zap.Int("batch", len(out)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

type shardKey struct {
	run   [16]byte
	shard string
}

// arrange copies batch, keeping only the newest heartbeat per shard, and
// stably orders it as run start, then results and session refreshes, then
// heartbeats, then terminal run events.
func arrange(batch []Event) []Event {
	latest := make(map[shardKey]int)
	for i, evt := range batch {
		if evt.Stage == StageRunHB {
			latest[shardKey{evt.RunID, evt.Shard}] = i
		}
	}
	out := make([]Event, 0, len(batch))
	for i, evt := range batch {
		if evt.Stage == StageRunHB && latest[shardKey{evt.RunID, evt.Shard}] != i {
			continue
		}
		out = append(out, evt)
	}
	slices.SortStableFunc(out, func(a, b Event) int {
		return stageRank(a.Stage) - stageRank(b.Stage)
	})
	return out
}

func stageRank(s Stage) int {
	switch s {
	case StageRunStart:
		return 0
	case StageResult, StageSessionRefresh:
		return 1
	case StageRunHB:
		return 2
	default:
		return 3
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
