// Package batcher wraps a ring buffer with count- and time-triggered flush
// discipline, delivering batches of ticks to a user-supplied sink.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/feedengine/marketfeed/internal/ringbuffer"
	"github.com/feedengine/marketfeed/internal/tick"
)

// BatchSink receives a flushed batch of ticks in push order.
type BatchSink func(ctx context.Context, batch []*tick.Tick) error

// Batcher buffers ticks in a ring buffer and flushes them to a sink either
// when batchSize ticks accumulate or every flushInterval, whichever comes
// first.
type Batcher struct {
	onBatch       BatchSink
	batchSize     int
	flushInterval time.Duration
	ring          *ringbuffer.RingBuffer
	clock         clock.Clock

	statsMu sync.Mutex
	stats   tick.BufferStats

	flushMu sync.Mutex // serializes concurrent flush calls from timer and push

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Batcher at construction.
type Option func(*Batcher)

// WithClock overrides the time source, used in tests to control flush
// timing deterministically.
func WithClock(c clock.Clock) Option {
	return func(b *Batcher) { b.clock = c }
}

// New creates a Batcher. bufferCapacity is forwarded to the ring buffer and
// rounded up to the next power of two.
func New(onBatch BatchSink, batchSize int, flushInterval time.Duration, bufferCapacity int, opts ...Option) *Batcher {
	b := &Batcher{
		onBatch:       onBatch,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		ring:          ringbuffer.New(bufferCapacity),
		clock:         clock.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stats returns a snapshot of the buffer counters.
func (b *Batcher) Stats() tick.BufferStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// Start launches the background time-triggered flush loop.
func (b *Batcher) Start(ctx context.Context) {
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.flushLoop(ctx)
}

// Stop cancels the flush loop and performs one final flush, which may
// deliver a partial batch. Stop is idempotent.
func (b *Batcher) Stop(ctx context.Context) {
	if b.stopCh == nil {
		return
	}
	select {
	case <-b.stopCh:
		return // already stopped
	default:
		close(b.stopCh)
	}
	<-b.doneCh
	b.flush(ctx)
}

// Push enqueues a tick, incrementing Received. If the ring is full the tick
// is dropped and Dropped is incremented. Once accepted, if the buffer has
// reached batchSize an immediate flush is triggered.
func (b *Batcher) Push(ctx context.Context, t *tick.Tick) bool {
	b.statsMu.Lock()
	b.stats.Received++
	b.statsMu.Unlock()

	if !b.ring.Push(t) {
		b.statsMu.Lock()
		b.stats.Dropped++
		b.statsMu.Unlock()
		return false
	}

	if b.ring.Size() >= b.batchSize {
		b.flush(ctx)
	}
	return true
}

func (b *Batcher) flushLoop(ctx context.Context) {
	defer close(b.doneCh)
	ticker := b.clock.Ticker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.ring.Size() > 0 {
				b.flush(ctx)
			}
		}
	}
}

func (b *Batcher) flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	batch := b.ring.PopBatch(b.batchSize)
	if len(batch) == 0 {
		return
	}

	now := b.clock.Now().UnixNano()
	oldest := batch[0]
	latency := now - oldest.TimestampNs

	b.statsMu.Lock()
	b.stats.RecordFlush(latency, len(batch))
	b.statsMu.Unlock()

	if b.onBatch != nil {
		_ = b.onBatch(ctx, batch)
	}
}
