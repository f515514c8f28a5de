package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/feedengine/marketfeed/internal/tick"
)

type fakeSource struct {
	mu          sync.Mutex
	connectErr  error
	connectN    int32
	subscribed  []string
	failReadOnN int32 // ReadMessages fails on this call index (1-based), 0 = never
	readN       int32
	ticksToSend []tick.Tick
}

func (f *fakeSource) Connect(ctx context.Context) error {
	atomic.AddInt32(&f.connectN, 1)
	return f.connectErr
}

func (f *fakeSource) Disconnect(ctx context.Context) error { return nil }

func (f *fakeSource) Subscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}

func (f *fakeSource) Unsubscribe(ctx context.Context, symbols []string) error { return nil }

func (f *fakeSource) ReadMessages(ctx context.Context, onTick func(tick.Tick)) error {
	n := atomic.AddInt32(&f.readN, 1)
	for _, t := range f.ticksToSend {
		onTick(t)
	}
	if f.failReadOnN != 0 && n == f.failReadOnN {
		return errors.New("connection dropped")
	}
	<-ctx.Done()
	return nil
}

type FeedHandlerTestSuite struct {
	suite.Suite
}

func TestFeedHandlerSuite(t *testing.T) {
	suite.Run(t, new(FeedHandlerTestSuite))
}

func (s *FeedHandlerTestSuite) TestConnectsSubscribesAndDeliversTicks() {
	src := &fakeSource{
		ticksToSend: []tick.Tick{{Symbol: "AAPL", TimestampNs: 1}},
	}
	var received []tick.Tick
	var mu sync.Mutex
	h := NewHandler(tick.Databento, src, nil, func(t tick.Tick) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, t)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	_ = h.Subscribe(ctx, []string{"AAPL"})

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)

	s.Eventually(func() bool {
		return h.State() == Connected
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	s.Equal(Stopped, h.State())
}

func (s *FeedHandlerTestSuite) TestReconnectsAfterReadFailure() {
	src := &fakeSource{failReadOnN: 1}
	h := NewHandler(tick.Bloomberg, src, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	s.Eventually(func() bool {
		return atomic.LoadInt32(&src.readN) >= 2
	}, 3*time.Second, time.Millisecond)

	s.Eventually(func() bool {
		return len(h.Errors()) >= 1
	}, time.Second, time.Millisecond)
	s.Contains(h.Errors()[0], "connection dropped")

	cancel()
	<-done
}

func (s *FeedHandlerTestSuite) TestStopIsIdempotentAndBlocksUntilExit() {
	src := &fakeSource{}
	h := NewHandler(tick.CME, src, nil, nil, nil)

	ctx := context.Background()
	go h.Run(ctx)

	s.Eventually(func() bool {
		return h.State() == Connected
	}, time.Second, time.Millisecond)

	h.Stop()
	s.Equal(Stopped, h.State())
	h.Stop() // must not block or panic
}
