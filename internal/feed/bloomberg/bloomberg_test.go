package bloomberg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/feedengine/marketfeed/internal/tick"
)

// scriptedSession replays a fixed sequence of events, one per NextEvent
// call, then blocks for the remainder.
type scriptedSession struct {
	events  []Event
	idx     int
	started bool
}

func (s *scriptedSession) Start() error { s.started = true; return nil }
func (s *scriptedSession) Stop()        { s.started = false }
func (s *scriptedSession) Subscribe(symbols, fields []string) {}
func (s *scriptedSession) Unsubscribe(symbols []string)       {}

func (s *scriptedSession) NextEvent(timeout time.Duration) (Event, bool) {
	if s.idx < len(s.events) {
		e := s.events[s.idx]
		s.idx++
		return e, true
	}
	time.Sleep(timeout)
	return Event{}, false
}

type BloombergTestSuite struct {
	suite.Suite
}

func TestBloombergSuite(t *testing.T) {
	suite.Run(t, new(BloombergTestSuite))
}

func f(v float64) *float64 { return &v }
func i(v int64) *int64     { return &v }

func (s *BloombergTestSuite) TestTradeEventWhenLastPricePresent() {
	sess := &scriptedSession{events: []Event{
		{Symbol: "AAPL", Bid: f(190.0), Ask: f(190.5), Last: f(190.2), BidSize: i(100), AskSize: i(200)},
	}}
	src := New(Config{Session: sess})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(src.Connect(ctx))
	s.Require().NoError(src.Subscribe(ctx, []string{"AAPL"}))

	var got tick.Tick
	done := make(chan struct{})
	go func() {
		src.ReadMessages(ctx, func(t tick.Tick) {
			got = t
			close(done)
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for tick")
	}

	s.Equal(tick.Trade, got.Kind)
	s.Equal(4, got.Precision)
	s.Require().NotNil(got.TradePrice)
	s.EqualValues(1902000, *got.TradePrice)
}

func (s *BloombergTestSuite) TestBBOEventWhenOnlyBidAndAskPresent() {
	sess := &scriptedSession{events: []Event{
		{Symbol: "MSFT", Bid: f(300.0), Ask: f(300.1)},
	}}
	src := New(Config{Session: sess})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(src.Connect(ctx))
	s.Require().NoError(src.Subscribe(ctx, []string{"MSFT"}))

	var got tick.Tick
	done := make(chan struct{})
	go func() {
		src.ReadMessages(ctx, func(t tick.Tick) {
			got = t
			close(done)
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for tick")
	}

	s.Equal(tick.BBO, got.Kind)
	s.Nil(got.TradePrice)
}

func (s *BloombergTestSuite) TestQueueDropsOnFullWithoutBlockingWorker() {
	events := make([]Event, queueCapacity+5)
	for idx := range events {
		events[idx] = Event{Symbol: "ESZ4", Bid: f(100), Ask: f(100.5)}
	}
	sess := &scriptedSession{events: events}
	src := New(Config{Session: sess})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Require().NoError(src.Connect(ctx))
	s.Require().NoError(src.Subscribe(ctx, []string{"ESZ4"}))

	s.Eventually(func() bool {
		return len(src.events) == queueCapacity
	}, 2*time.Second, time.Millisecond)
}

func (s *BloombergTestSuite) TestUnsubscribePrunesSubscriptions() {
	src := New(Config{Session: &scriptedSession{}})
	ctx := context.Background()

	s.Require().NoError(src.Subscribe(ctx, []string{"ESZ4", "NQZ4"}))
	s.ElementsMatch([]string{"ESZ4", "NQZ4"}, src.Subscriptions())

	s.Require().NoError(src.Unsubscribe(ctx, []string{"ESZ4"}))
	s.Equal([]string{"NQZ4"}, src.Subscriptions())
}
