package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"

	"github.com/feedengine/marketfeed/internal/tick"
)

type BatcherTestSuite struct {
	suite.Suite
}

func TestBatcherSuite(t *testing.T) {
	suite.Run(t, new(BatcherTestSuite))
}

func (s *BatcherTestSuite) TestTimeFlushDeliversExactlyOneBatch() {
	mock := clock.NewMock()

	var mu sync.Mutex
	var delivered [][]*tick.Tick
	sink := func(ctx context.Context, batch []*tick.Tick) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, batch)
		return nil
	}

	b := New(sink, 10, 50*time.Millisecond, 64, WithClock(mock))
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	for i := 0; i < 3; i++ {
		s.True(b.Push(ctx, &tick.Tick{TimestampNs: mock.Now().UnixNano()}))
	}

	mock.Add(60 * time.Millisecond)
	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Len(delivered[0], 3)

	stats := b.Stats()
	s.EqualValues(1, stats.BatchesFlushed)
	s.EqualValues(3, stats.Processed)
	s.EqualValues(0, stats.Dropped)
}

func (s *BatcherTestSuite) TestCountFlushUnderOverloadDropsAndPreservesOrder() {
	mock := clock.NewMock()

	var mu sync.Mutex
	var delivered []*tick.Tick
	sink := func(ctx context.Context, batch []*tick.Tick) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, batch...)
		return nil
	}

	// capacity rounds up to 8, usable slots = 7
	b := New(sink, 100, time.Hour, 8, WithClock(mock))
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	const total = 12 // capacity(7 usable) + 5 overflow
	accepted := 0
	for i := 0; i < total; i++ {
		if b.Push(ctx, &tick.Tick{TimestampNs: int64(i)}) {
			accepted++
		}
	}

	stats := b.Stats()
	s.EqualValues(total, stats.Received)
	s.EqualValues(5, stats.Dropped)
	s.Equal(total-5, accepted)

	b.Stop(ctx)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(delivered, 7)
	for i, t := range delivered {
		s.Equal(int64(i), t.TimestampNs)
	}
}
