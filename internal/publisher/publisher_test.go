package publisher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/feedengine/marketfeed/internal/tick"
)

type PublisherTestSuite struct {
	suite.Suite
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherTestSuite))
}

func (s *PublisherTestSuite) TestChannelNamingIncludesPrefix() {
	p := New(Config{ChannelPrefix: "trading"}, nil)
	s.Equal("trading:ticks:AAPL", p.channel("ticks", "AAPL"))
	s.Equal("trading:bars:AAPL:1m", p.channel("bars", "AAPL", "1m"))
	s.Equal("trading:status:feeds", p.channel("status", "feeds"))
}

func (s *PublisherTestSuite) TestPublishTickEnqueuesFloatConvertedPayload() {
	p := New(Config{BatchSize: 100}, nil)

	err := p.PublishTick(tick.Tick{
		Symbol:     "ESZ4",
		TimestampNs: 1_700_000_000_000_000_000,
		BidPrice:   tick.Ptr(int64(453225)),
		AskPrice:   tick.Ptr(int64(453250)),
		TradeSize:  tick.Ptr(int64(10)),
		Precision:  2,
	})
	s.Require().NoError(err)

	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	s.Require().Len(p.batch, 1)
	s.Equal("trading:ticks:ESZ4", p.batch[0].channel)

	var payload tickPayload
	s.Require().NoError(json.Unmarshal(p.batch[0].payload, &payload))
	s.Equal("ESZ4", payload.Symbol)
	s.InDelta(4532.25, *payload.Bid, 0.001)
	s.InDelta(4532.50, *payload.Ask, 0.001)
	s.Nil(payload.Last)
	s.EqualValues(10, payload.Volume)
}

func (s *PublisherTestSuite) TestEnqueueFlushesWhenBatchFull() {
	p := New(Config{BatchSize: 2, Host: "127.0.0.1", Port: 0}, nil)
	_ = p.PublishTick(tick.Tick{Symbol: "A", Precision: 2})
	_ = p.PublishTick(tick.Tick{Symbol: "B", Precision: 2})

	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	s.Len(p.batch, 0) // flushed (and counted as an error since no client connected)
}

func (s *PublisherTestSuite) TestPublishBarBuildsOHLCVPayload() {
	p := New(Config{BatchSize: 100}, nil)

	err := p.PublishBar(tick.Bar{
		Symbol: "AAPL",
		BarTs:  1_700_000_000_000_000_000,
		Open:   19000, High: 19100, Low: 18950, Close: 19050, Volume: 500,
		Precision: 2,
	}, "1m")
	s.Require().NoError(err)

	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	s.Require().Len(p.batch, 1)
	s.Equal("trading:bars:AAPL:1m", p.batch[0].channel)

	var payload barPayload
	s.Require().NoError(json.Unmarshal(p.batch[0].payload, &payload))
	s.InDelta(190.00, payload.Open, 0.001)
	s.InDelta(191.00, payload.High, 0.001)
	s.InDelta(189.50, payload.Low, 0.001)
	s.InDelta(190.50, payload.Close, 0.001)
	s.EqualValues(500, payload.Volume)
}
