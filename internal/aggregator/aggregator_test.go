package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/feedengine/marketfeed/internal/tick"
)

type AggregatorTestSuite struct {
	suite.Suite
}

func TestAggregatorSuite(t *testing.T) {
	suite.Run(t, new(AggregatorTestSuite))
}

func trade(symbol string, tsNs, price int64) tick.Tick {
	return tick.Tick{
		Symbol:      symbol,
		TimestampNs: tsNs,
		Kind:        tick.Trade,
		TradePrice:  tick.Ptr(price),
		TradeSize:   tick.Ptr(int64(1)),
		Precision:   2,
	}
}

func (s *AggregatorTestSuite) TestBoundaryCrossingClosesAndStartsNewBar() {
	var closedBars []tick.Bar
	a := New(60*time.Second, func(b tick.Bar) { closedBars = append(closedBars, b) })

	_, closed := a.ProcessTick(trade("AAPL", 1_000_000_000, 100))
	s.False(closed)

	_, closed = a.ProcessTick(trade("AAPL", 30_000_000_000, 105))
	s.False(closed)

	bar, closed := a.ProcessTick(trade("AAPL", 61_000_000_000, 110))
	s.True(closed)
	s.EqualValues(0, bar.BarTs)
	s.EqualValues(100, bar.Open)
	s.EqualValues(105, bar.Close)
	s.EqualValues(105, bar.High)
	s.EqualValues(100, bar.Low)
	s.EqualValues(2, bar.TickCount)

	s.Require().Len(closedBars, 1)
	s.Equal(bar, closedBars[0])

	current, ok := a.GetCurrentBar("AAPL")
	s.True(ok)
	s.EqualValues(60_000_000_000, current.BarTs)
	s.EqualValues(110, current.Open)
	s.EqualValues(1, current.TickCount)
}

func (s *AggregatorTestSuite) TestHighLowTrackedWithinBar() {
	a := New(60*time.Second, nil)

	a.ProcessTick(trade("MSFT", 0, 100))
	a.ProcessTick(trade("MSFT", 1, 95))
	a.ProcessTick(trade("MSFT", 2, 120))
	bar, ok := a.GetCurrentBar("MSFT")
	s.Require().True(ok)
	s.EqualValues(100, bar.Open)
	s.EqualValues(120, bar.High)
	s.EqualValues(95, bar.Low)
	s.EqualValues(120, bar.Close)
	s.EqualValues(3, bar.TickCount)
}

func (s *AggregatorTestSuite) TestTickWithNoPriceIsIgnored() {
	a := New(60*time.Second, nil)
	t := tick.Tick{Symbol: "NOPX", TimestampNs: 0, Kind: tick.Quote}
	_, closed := a.ProcessTick(t)
	s.False(closed)
	_, ok := a.GetCurrentBar("NOPX")
	s.False(ok)
}

func (s *AggregatorTestSuite) TestLateTickIsIgnoredAfterBarCloses() {
	a := New(60*time.Second, nil)

	a.ProcessTick(trade("AAPL", 1_000_000_000, 100))
	bar, closed := a.ProcessTick(trade("AAPL", 61_000_000_000, 110))
	s.True(closed)
	s.EqualValues(0, bar.BarTs)

	// A tick timestamped before the now-closed bar's window must not reopen
	// or mutate it.
	late, closed := a.ProcessTick(trade("AAPL", 5_000_000_000, 999))
	s.False(closed)
	s.Equal(tick.Bar{}, late)

	current, ok := a.GetCurrentBar("AAPL")
	s.Require().True(ok)
	s.EqualValues(60_000_000_000, current.BarTs)
	s.EqualValues(110, current.Open)
	s.EqualValues(110, current.Close)
	s.EqualValues(1, current.TickCount)
}

func (s *AggregatorTestSuite) TestFlushAllClosesAndClearsOpenBars() {
	var closedBars []tick.Bar
	a := New(60*time.Second, func(b tick.Bar) { closedBars = append(closedBars, b) })

	a.ProcessTick(trade("AAPL", 0, 100))
	a.ProcessTick(trade("MSFT", 0, 200))

	flushed := a.FlushAll()
	s.Len(flushed, 2)
	s.Len(closedBars, 2)

	_, ok := a.GetCurrentBar("AAPL")
	s.False(ok)
	_, ok = a.GetCurrentBar("MSFT")
	s.False(ok)
}
