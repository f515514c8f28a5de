package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/feedengine/marketfeed/internal/tick"
)

type ManagerTestSuite struct {
	suite.Suite
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) TestHandleTickRoutesToBatcherCallbackThenAggregator() {
	var order []string
	var batched []tick.Tick

	m := New(Options{
		OnTick: func(t tick.Tick) { order = append(order, "tick") },
		OnBatch: func(ctx context.Context, batch []*tick.Tick) error {
			order = append(order, "batch")
			for _, t := range batch {
				batched = append(batched, *t)
			}
			return nil
		},
		BatchSize:     1,
		FlushInterval: time.Hour,
	})

	var closedBar bool
	m.EnableAggregation(time.Minute, func(b tick.Bar) { closedBar = true })

	t := tick.Tick{
		Symbol:      "AAPL",
		TimestampNs: 1,
		Kind:        tick.Trade,
		TradePrice:  tick.Ptr(int64(10000)),
		TradeSize:   tick.Ptr(int64(1)),
		Precision:   2,
	}
	m.handleTick(t)

	s.Require().Len(batched, 1)
	s.Equal("AAPL", batched[0].Symbol)
	s.Equal([]string{"batch", "tick"}, order)
	s.False(closedBar) // first tick for a symbol never closes a bar
}

func (s *ManagerTestSuite) TestGetStatusForUnknownVendorReturnsFalse() {
	m := New(Options{})
	_, ok := m.GetStatus(tick.Databento)
	s.False(ok)
}

func (s *ManagerTestSuite) TestAddFeedThenGetStatusBeforeStart() {
	m := New(Options{})
	m.AddFeed(FeedConfig{Vendor: tick.Bloomberg, Symbols: []string{"ESZ4"}, Enabled: true})

	status, ok := m.GetStatus(tick.Bloomberg)
	s.Require().True(ok)
	s.Equal([]string{"ESZ4"}, status.Symbols)
}

func (s *ManagerTestSuite) TestStopWithoutStartIsSafe() {
	m := New(Options{})
	s.NoError(m.Stop(context.Background()))
}

func (s *ManagerTestSuite) TestSubscribeUnknownVendorErrors() {
	m := New(Options{})
	err := m.Subscribe(context.Background(), tick.CME, []string{"ESZ4"})
	s.Error(err)
}

func (s *ManagerTestSuite) TestGetStatsReportsFeedCounts() {
	m := New(Options{})
	m.AddFeed(FeedConfig{Vendor: tick.Databento, Symbols: []string{"ESZ4"}, Enabled: true})
	m.AddFeed(FeedConfig{Vendor: tick.CME, Symbols: []string{"ESZ4"}, Enabled: false})

	stats := m.GetStats()
	s.Equal(2, stats.FeedsTotal)
	s.Equal(0, stats.FeedsConnected)
}
