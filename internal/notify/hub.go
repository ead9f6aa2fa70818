package notify

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/metrics"
)

// Config controls buffering and batching for the Hub. Zero values select
// a 1024 event buffer, 100 event batches, a 250ms batch wait and a 10s
// per-sink timeout.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// pending is an event stamped with its emit order.
type pending struct {
	seq uint64
	evt Event
}

// Hub fans events out to sinks without blocking callers. Page and failure
// events share a bounded buffer and are dropped when it is full. Lifecycle
// events go to an unbounded list and are delivered as soon as the loop sees
// them, after every event emitted before them.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	seq    atomic.Uint64
	events chan pending

	mu        sync.Mutex
	lifecycle []pending
	wake      chan struct{}
	closed    atomic.Bool

	dropped     atomic.Int64
	lastDropLog atomic.Int64

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the delivery goroutine. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
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
		cfg:    cfg,
		sinks:  compact(sinks),
		logger: logger,
		events: make(chan pending, cfg.BufferSize),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit hands an event to the delivery goroutine and returns at once.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("Discarding invalid event", zap.String("type", string(evt.Type)), zap.Error(err))
		return
	}
	if evt.Type.Lifecycle() {
		h.emitLifecycle(evt)
		return
	}
	select {
	case h.events <- pending{seq: h.seq.Add(1), evt: evt}:
	default:
		h.drop()
	}
}

func (h *Hub) emitLifecycle(evt Event) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return
	}
	h.lifecycle = append(h.lifecycle, pending{seq: h.seq.Add(1), evt: evt})
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) drop() {
	h.dropped.Add(1)
	metrics.ObserveNotifyDropped()
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("Events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}

// Close delivers everything still pending, closes the sinks and waits for
// the delivery goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed.Store(true)
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	var (
		batch []pending
		timer *time.Timer
		due   <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
		}
		due = nil
		h.deliver(batch)
		batch = batch[:0]
	}
	for {
		select {
		case p := <-h.events:
			batch = append(batch, p)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents:
				flush()
			case due == nil:
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				due = timer.C
			}
		case <-due:
			flush()
		case <-h.wake:
			batch = h.collect(batch)
			flush()
		case <-h.stopCh:
			batch = h.collect(batch)
			flush()
			h.closeSinks()
			return
		}
	}
}

// collect moves the lifecycle list and everything already buffered into
// batch, in emit order. Anything emitted before a lifecycle event is in the
// buffer by the time that event is in the list.
func (h *Hub) collect(batch []pending) []pending {
	h.mu.Lock()
	batch = append(batch, h.lifecycle...)
	h.lifecycle = nil
	h.mu.Unlock()
	for {
		select {
		case p := <-h.events:
			batch = append(batch, p)
		default:
			slices.SortFunc(batch, func(a, b pending) int { return cmp.Compare(a.seq, b.seq) })
			return batch
		}
	}
}

// deliver sends batch to every sink in chunks of at most MaxBatchEvents.
func (h *Hub) deliver(batch []pending) {
	for start := 0; start < len(batch); start += h.cfg.MaxBatchEvents {
		end := min(start+h.cfg.MaxBatchEvents, len(batch))
		chunk := make([]Event, 0, end-start)
		for _, p := range batch[start:end] {
			chunk = append(chunk, p.evt)
		}
		for _, sink := range h.sinks {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			if err := sink.Consume(ctx, chunk); err != nil {
				metrics.ObserveNotifySinkError(sink.Name())
				h.logger.Warn("Sink delivery failed",
					zap.String("sink", sink.Name()),
					zap.Int("events", len(chunk)),
					zap.Error(err))
			}
			cancel()
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("Sink close failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}

func compact(sinks []Sink) []Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
