package ringbuffer

import (
	"testing"

	"github.com/feedengine/marketfeed/internal/tick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type RingBufferTestSuite struct {
	suite.Suite
}

func TestRingBufferSuite(t *testing.T) {
	suite.Run(t, new(RingBufferTestSuite))
}

func (s *RingBufferTestSuite) TestCapacityRoundsToPowerOfTwo() {
	cases := map[int]int{1: 2, 2: 2, 3: 4, 5: 8, 1000: 1024, 65536: 65536}
	for requested, want := range cases {
		rb := New(requested)
		s.Equal(want, rb.Capacity(), "requested=%d", requested)
	}
}

func (s *RingBufferTestSuite) TestCapacityOneIsFlooredToTwoSoPushCanSucceed() {
	rb := New(1)
	s.True(rb.Push(&tick.Tick{Symbol: "A"}))
	got := rb.Pop()
	s.Require().NotNil(got)
	s.Equal("A", got.Symbol)
}

func (s *RingBufferTestSuite) TestPushPopPreservesOrderAndEmptiesOut() {
	rb := New(16)
	const k = 10

	for i := 0; i < k; i++ {
		ok := rb.Push(&tick.Tick{Symbol: "A", TimestampNs: int64(i)})
		s.True(ok)
	}

	for i := 0; i < k; i++ {
		got := rb.Pop()
		s.Require().NotNil(got)
		s.Equal(int64(i), got.TimestampNs)
	}

	s.Equal(0, rb.Size())
	s.Nil(rb.Pop())
}

func (s *RingBufferTestSuite) TestPushReturnsFalseWhenFull() {
	rb := New(4) // actual capacity 4, usable slots 3
	for i := 0; i < 3; i++ {
		s.True(rb.Push(&tick.Tick{}))
	}
	s.True(rb.Full())
	s.False(rb.Push(&tick.Tick{}))
}

func (s *RingBufferTestSuite) TestPopBatchPreservesOrderAndCapsAtAvailable() {
	rb := New(16)
	for i := 0; i < 5; i++ {
		rb.Push(&tick.Tick{TimestampNs: int64(i)})
	}

	batch := rb.PopBatch(100)
	s.Require().Len(batch, 5)
	for i, t := range batch {
		s.Equal(int64(i), t.TimestampNs)
	}
	assert.Equal(s.T(), 0, rb.Size())
}
