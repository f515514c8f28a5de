// Package aggregator folds a stream of ticks into fixed-timeframe OHLCV bars.
package aggregator

import (
	"sync"
	"time"

	"github.com/feedengine/marketfeed/internal/tick"
)

// OnBar is invoked whenever a bar closes, either because the timeframe
// boundary was crossed by a later tick or because FlushAll was called.
type OnBar func(bar tick.Bar)

// Aggregator maintains one open bar per symbol at a fixed timeframe.
type Aggregator struct {
	timeframeNs int64
	onBar       OnBar

	mu   sync.Mutex
	bars map[string]*tick.Bar
}

// New creates an Aggregator bucketing ticks into timeframe-wide bars.
func New(timeframe time.Duration, onBar OnBar) *Aggregator {
	return &Aggregator{
		timeframeNs: timeframe.Nanoseconds(),
		onBar:       onBar,
		bars:        make(map[string]*tick.Bar),
	}
}

func (a *Aggregator) barTimestamp(tickTimeNs int64) int64 {
	return (tickTimeNs / a.timeframeNs) * a.timeframeNs
}

// ProcessTick folds t into the current bar for its symbol, returning the
// closed bar if the tick crossed a timeframe boundary. Ticks carrying no
// price (no trade, bid, or ask) are ignored.
func (a *Aggregator) ProcessTick(t tick.Tick) (closed tick.Bar, didClose bool) {
	price, ok := t.Price()
	if !ok {
		return tick.Bar{}, false
	}
	size := t.Size()
	barTs := a.barTimestamp(t.TimestampNs)

	a.mu.Lock()
	defer a.mu.Unlock()

	current, exists := a.bars[t.Symbol]
	if !exists {
		a.bars[t.Symbol] = newBar(barTs, t.Symbol, price, size, t.Precision)
		return tick.Bar{}, false
	}

	if barTs > current.BarTs {
		closed = *current
		didClose = true
		a.bars[t.Symbol] = newBar(barTs, t.Symbol, price, size, t.Precision)
		if a.onBar != nil {
			a.onBar(closed)
		}
		return closed, didClose
	}

	if barTs < current.BarTs {
		// Late tick: the bar it belongs to has already closed and emitted.
		return tick.Bar{}, false
	}

	if price > current.High {
		current.High = price
	}
	if price < current.Low {
		current.Low = price
	}
	current.Close = price
	current.Volume += size
	current.TickCount++
	return tick.Bar{}, false
}

func newBar(barTs int64, symbol string, price, size int64, precision int) *tick.Bar {
	return &tick.Bar{
		BarTs:     barTs,
		Symbol:    symbol,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    size,
		TickCount: 1,
		Precision: precision,
	}
}

// GetCurrentBar returns the in-progress bar for symbol, if any.
func (a *Aggregator) GetCurrentBar(symbol string) (tick.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bars[symbol]
	if !ok {
		return tick.Bar{}, false
	}
	return *b, true
}

// FlushAll closes every open bar, invoking onBar for each, and clears state.
// Used at shutdown so no partial bar is silently lost.
func (a *Aggregator) FlushAll() []tick.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	bars := make([]tick.Bar, 0, len(a.bars))
	for _, b := range a.bars {
		bars = append(bars, *b)
	}
	if a.onBar != nil {
		for _, b := range bars {
			a.onBar(b)
		}
	}
	a.bars = make(map[string]*tick.Bar)
	return bars
}
