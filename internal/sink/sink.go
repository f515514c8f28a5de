// Package sink provides batch sinks for delivered ticks. LoggingPersister
// is the demo/reference sink; a real deployment would swap it for a
// database writer without changing the manager's batcher wiring.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/feedengine/marketfeed/internal/tick"
	"github.com/feedengine/marketfeed/pkg/observability"
)

const logInterval = 5 * time.Second

// LoggingPersister logs throughput and a sample tick every logInterval of
// wall-clock time, rather than on every batch. WriteToDB is a hook for a
// real storage backend and is intentionally unimplemented.
type LoggingPersister struct {
	logger *observability.Logger
	clock  clock.Clock

	mu            sync.Mutex
	tickCount     int64
	lastLogTime   time.Time
}

// New creates a LoggingPersister.
func New(logger *observability.Logger, clk clock.Clock) *LoggingPersister {
	if clk == nil {
		clk = clock.New()
	}
	return &LoggingPersister{
		logger:      logger,
		clock:       clk,
		lastLogTime: clk.Now(),
	}
}

// ProcessBatch satisfies batcher.BatchSink, accumulating counts and logging
// a rate and sample tick once per logInterval.
func (p *LoggingPersister) ProcessBatch(ctx context.Context, ticks []*tick.Tick) error {
	p.mu.Lock()
	p.tickCount += int64(len(ticks))

	now := p.clock.Now()
	elapsed := now.Sub(p.lastLogTime)
	if elapsed <= logInterval {
		p.mu.Unlock()
		return nil
	}

	count := p.tickCount
	p.tickCount = 0
	p.lastLogTime = now
	p.mu.Unlock()

	rate := float64(count) / elapsed.Seconds()
	if p.logger != nil {
		p.logger.Info(ctx, "processed ticks", map[string]interface{}{
			"count": count,
			"rate":  rate,
		})
		if len(ticks) > 0 {
			sample := ticks[len(ticks)-1]
			fields := map[string]interface{}{"symbol": sample.Symbol}
			if sample.BidPrice != nil {
				fields["bid"] = *sample.BidPrice
			}
			if sample.AskPrice != nil {
				fields["ask"] = *sample.AskPrice
			}
			if sample.TradePrice != nil {
				fields["trade"] = *sample.TradePrice
			}
			p.logger.Info(ctx, "sample tick", fields)
		}
	}
	return nil
}

// WriteToDB is a hook for a persistent storage backend. Persistent writers
// are out of scope here; this always succeeds as a no-op.
func (p *LoggingPersister) WriteToDB(ctx context.Context, ticks []*tick.Tick) error {
	return nil
}
