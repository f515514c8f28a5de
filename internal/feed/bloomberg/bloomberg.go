// Package bloomberg implements the native-bridge vendor handler pattern: a
// dedicated worker goroutine polls a blocking, event-driven session API and
// hands ticks to the async read loop over a bounded, drop-on-full channel.
package bloomberg

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/feedengine/marketfeed/internal/tick"
)

const (
	queueCapacity   = 100_000
	defaultPrecision = 4
	pollTimeout     = time.Second
)

// FieldBid, FieldAsk, and so on mirror Bloomberg's BLPAPI field names.
const (
	FieldBid       = "BID"
	FieldAsk       = "ASK"
	FieldLastPrice = "LAST_PRICE"
	FieldBidSize   = "BID_SIZE"
	FieldAskSize   = "ASK_SIZE"
)

// DefaultFields is the field set subscribed when Config.Fields is empty.
var DefaultFields = []string{FieldBid, FieldAsk, FieldLastPrice, FieldBidSize, FieldAskSize}

// Event is one BLPAPI subscription-data message, decoupled from the wire
// representation so Session implementations (real or mock) stay simple.
type Event struct {
	Symbol  string
	Bid     *float64
	Ask     *float64
	Last    *float64
	BidSize *int64
	AskSize *int64
}

// Session abstracts a blocking, event-polled vendor API (blpapi.Session in
// production). NextEvent blocks up to timeout and reports false if nothing
// arrived.
type Session interface {
	Start() error
	Stop()
	Subscribe(symbols, fields []string)
	Unsubscribe(symbols []string)
	NextEvent(timeout time.Duration) (Event, bool)
}

// Config configures a Bloomberg connection.
type Config struct {
	Host    string
	Port    int
	Fields  []string
	Session Session // if nil, a MockSession is used (demo mode)
}

// Source is a feed.Source implementation bridging Session to the shared
// feed handler lifecycle.
type Source struct {
	cfg     Config
	session Session

	mu            sync.Mutex
	subscriptions []string
	workerRunning bool
	stopWorker    chan struct{}
	workerDone    chan struct{}

	events chan *tick.Tick
}

// New creates a Bloomberg Source.
func New(cfg Config) *Source {
	if len(cfg.Fields) == 0 {
		cfg.Fields = DefaultFields
	}
	session := cfg.Session
	if session == nil {
		session = NewMockSession()
	}
	return &Source{
		cfg:     cfg,
		session: session,
		events:  make(chan *tick.Tick, queueCapacity),
	}
}

func (s *Source) Connect(ctx context.Context) error {
	return s.session.Start()
}

func (s *Source) Disconnect(ctx context.Context) error {
	s.session.Stop()
	s.stopWorkerLocked()
	return nil
}

func (s *Source) stopWorkerLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.workerRunning {
		return
	}
	close(s.stopWorker)
	<-s.workerDone
	s.workerRunning = false
	select {
	case s.events <- nil: // sentinel wakes a blocked ReadMessages
	default:
	}
}

func (s *Source) Subscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, symbols...)
	s.mu.Unlock()

	s.session.Subscribe(symbols, s.cfg.Fields)
	s.ensureWorker()
	return nil
}

func (s *Source) Unsubscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	s.subscriptions = removeAll(s.subscriptions, symbols)
	s.mu.Unlock()

	s.session.Unsubscribe(symbols)
	return nil
}

func removeAll(list []string, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, sym := range remove {
		drop[sym] = true
	}
	out := list[:0]
	for _, sym := range list {
		if !drop[sym] {
			out = append(out, sym)
		}
	}
	return out
}

// Subscriptions returns the symbols currently subscribed, for tests and
// diagnostics.
func (s *Source) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.subscriptions))
	copy(out, s.subscriptions)
	return out
}

func (s *Source) ensureWorker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workerRunning {
		return
	}
	s.workerRunning = true
	s.stopWorker = make(chan struct{})
	s.workerDone = make(chan struct{})
	go s.runWorker(s.stopWorker, s.workerDone)
}

func (s *Source) runWorker(stop chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		event, ok := s.session.NextEvent(pollTimeout)
		if !ok {
			continue
		}
		t := parseEvent(event)
		if t == nil {
			continue
		}
		select {
		case s.events <- t:
		default: // queue full, drop the tick (backpressure)
		}
	}
}

func parseEvent(e Event) *tick.Tick {
	if e.Bid == nil && e.Ask == nil && e.Last == nil {
		return nil
	}

	kind := tick.Quote
	switch {
	case e.Last != nil:
		kind = tick.Trade
	case e.Bid != nil && e.Ask != nil:
		kind = tick.BBO
	}

	t := &tick.Tick{
		TimestampNs: tick.CurrentTimeNs(),
		Symbol:      e.Symbol,
		Kind:        kind,
		BidSize:     e.BidSize,
		AskSize:     e.AskSize,
		Vendor:      tick.Bloomberg,
		Precision:   defaultPrecision,
	}
	if e.Bid != nil {
		t.BidPrice = tick.Ptr(tick.ToFixed(*e.Bid, defaultPrecision))
	}
	if e.Ask != nil {
		t.AskPrice = tick.Ptr(tick.ToFixed(*e.Ask, defaultPrecision))
	}
	if e.Last != nil {
		t.TradePrice = tick.Ptr(tick.ToFixed(*e.Last, defaultPrecision))
	}
	return t
}

// ReadMessages pulls parsed ticks off the worker's queue until ctx is
// canceled or a nil sentinel (pushed by Disconnect) is received.
func (s *Source) ReadMessages(ctx context.Context, onTick func(tick.Tick)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-s.events:
			if t == nil {
				return nil
			}
			onTick(*t)
		}
	}
}

// MockSession generates synthetic quotes for demo mode and tests, mirroring
// the reference implementation's in-process Bloomberg stand-in.
type MockSession struct {
	mu      sync.Mutex
	running bool
	symbols []string
	rng     *rand.Rand
}

// NewMockSession creates a MockSession with its own random source.
func NewMockSession() *MockSession {
	return &MockSession{rng: rand.New(rand.NewSource(1))}
}

func (m *MockSession) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

func (m *MockSession) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

func (m *MockSession) Subscribe(symbols, fields []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = append(m.symbols, symbols...)
}

func (m *MockSession) Unsubscribe(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		drop[s] = true
	}
	kept := m.symbols[:0]
	for _, s := range m.symbols {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	m.symbols = kept
}

func (m *MockSession) NextEvent(timeout time.Duration) (Event, bool) {
	m.mu.Lock()
	running := m.running
	symbols := m.symbols
	m.mu.Unlock()

	if !running || len(symbols) == 0 {
		time.Sleep(timeout)
		return Event{}, false
	}

	time.Sleep(10 * time.Millisecond)

	m.mu.Lock()
	symbol := symbols[m.rng.Intn(len(symbols))]
	basePrice := 4500.0 + m.rng.Float64()*100
	spread := 0.25
	var last *float64
	if m.rng.Float64() > 0.5 {
		l := basePrice + spread/2
		last = &l
	}
	bid := basePrice
	ask := basePrice + spread
	bidSize := int64(10 + m.rng.Intn(490))
	askSize := int64(10 + m.rng.Intn(490))
	m.mu.Unlock()

	return Event{
		Symbol:  symbol,
		Bid:     &bid,
		Ask:     &ask,
		Last:    last,
		BidSize: &bidSize,
		AskSize: &askSize,
	}, true
}
