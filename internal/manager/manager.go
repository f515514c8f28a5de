// Package manager orchestrates multiple vendor feed handlers behind a
// single tick stream, batcher, and optional OHLCV aggregator.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/feedengine/marketfeed/internal/aggregator"
	"github.com/feedengine/marketfeed/internal/batcher"
	"github.com/feedengine/marketfeed/internal/feed"
	"github.com/feedengine/marketfeed/internal/feed/bloomberg"
	"github.com/feedengine/marketfeed/internal/feed/cme"
	"github.com/feedengine/marketfeed/internal/feed/databento"
	"github.com/feedengine/marketfeed/internal/tick"
	"github.com/feedengine/marketfeed/pkg/observability"
)

// FeedConfig configures one vendor's handler and its subscription list.
type FeedConfig struct {
	Vendor  tick.Vendor
	Symbols []string
	Enabled bool

	APIKey  string
	Host    string
	Port    int
	Dataset string

	BloombergSession bloomberg.Session
	DatabentoBinary  bool
	SecurityMap      map[uint32]string
}

// Status reports one feed's health as seen by the manager.
type Status struct {
	Vendor        tick.Vendor
	State         feed.State
	Connected     bool
	Symbols       []string
	TicksReceived int64
	LastTickTime  int64
	Errors        []string
	LatencyAvgUs  int64
}

type registered struct {
	config  FeedConfig
	handler *feed.Handler
}

// Manager owns the registry of vendor handlers, the shared batcher, and the
// optional aggregator, and routes every delivered tick through both in a
// fixed order: buffer push, then the individual tick callback, then the
// aggregator.
type Manager struct {
	logger *observability.Logger
	onTick func(tick.Tick)
	tracer oteltrace.Tracer

	buf        *batcher.Batcher
	aggregator *aggregator.Aggregator

	mu        sync.RWMutex
	feeds     map[tick.Vendor]*registered
	running   bool
	totalTicks int64
	startTime  int64
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// Options configures a Manager at construction.
type Options struct {
	Logger         *observability.Logger
	OnTick         func(tick.Tick)
	OnBatch        batcher.BatchSink
	BufferCapacity int
	BatchSize      int
	FlushInterval  time.Duration
	Tracer         oteltrace.Tracer
}

// New creates a Manager. A batcher is only created if OnBatch is set.
func New(opts Options) *Manager {
	m := &Manager{
		logger: opts.Logger,
		onTick: opts.OnTick,
		tracer: opts.Tracer,
		feeds:  make(map[tick.Vendor]*registered),
	}
	if opts.OnBatch != nil {
		capacity := opts.BufferCapacity
		if capacity == 0 {
			capacity = 65536
		}
		batchSize := opts.BatchSize
		if batchSize == 0 {
			batchSize = 1000
		}
		flushInterval := opts.FlushInterval
		if flushInterval == 0 {
			flushInterval = 100 * time.Millisecond
		}
		m.buf = batcher.New(opts.OnBatch, batchSize, flushInterval, capacity)
	}
	return m
}

// EnableAggregation turns on OHLCV bar aggregation across every feed.
func (m *Manager) EnableAggregation(timeframe time.Duration, onBar aggregator.OnBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregator = aggregator.New(timeframe, onBar)
}

// AddFeed registers a feed configuration without starting it.
func (m *Manager) AddFeed(cfg FeedConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[cfg.Vendor] = &registered{config: cfg}
}

func (m *Manager) createSource(cfg FeedConfig) (feed.Source, error) {
	switch cfg.Vendor {
	case tick.Databento:
		dataset := cfg.Dataset
		if dataset == "" {
			dataset = "GLBX.MDP3"
		}
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 13000
		}
		secMap := make(databento.SecurityMap, len(cfg.SecurityMap))
		for id, sym := range cfg.SecurityMap {
			secMap[uint16(id)] = sym
		}
		return databento.New(databento.Config{
			APIKey:      cfg.APIKey,
			Dataset:     dataset,
			Schema:      databento.SchemaMBP1,
			Host:        host,
			Port:        port,
			Binary:      cfg.DatabentoBinary,
			SecurityMap: secMap,
		}), nil

	case tick.Bloomberg:
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 8194
		}
		return bloomberg.New(bloomberg.Config{Host: host, Port: port, Session: cfg.BloombergSession}), nil

	case tick.CME:
		group := cfg.Host
		if group == "" {
			group = "224.0.28.1"
		}
		port := cfg.Port
		if port == 0 {
			port = 14310
		}
		return cme.New(cme.Config{MulticastGroup: group, Port: port, SecurityMap: cfg.SecurityMap}), nil

	default:
		return nil, fmt.Errorf("manager: unsupported vendor: %s", cfg.Vendor)
	}
}

// handleTick is the central routing function: every delivered tick is
// pushed to the batcher, then the user tick callback, then the aggregator,
// strictly in that order.
func (m *Manager) handleTick(t tick.Tick) {
	m.mu.Lock()
	m.totalTicks++
	m.mu.Unlock()

	if m.buf != nil {
		m.buf.Push(context.Background(), &t)
	}
	if m.onTick != nil {
		m.onTick(t)
	}

	m.mu.RLock()
	agg := m.aggregator
	m.mu.RUnlock()
	if agg != nil {
		agg.ProcessTick(t)
	}
}

func (m *Manager) handleError(vendor tick.Vendor) feed.ErrorCallback {
	return func(err error) {
		if m.logger != nil {
			m.logger.Error(context.Background(), "feed error", err, map[string]interface{}{
				"vendor": string(vendor),
			})
		}
	}
}

// Start launches the batcher and every enabled registered feed.
//
// Start derives its own cancelable context from ctx rather than handing ctx
// straight to every handler: Stop needs a way to unblock a handler parked in
// its Source's read loop even when the caller's ctx is never canceled (see
// feed.Handler.Run), so Manager owns and cancels this derived context itself.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.startTime = tick.CurrentTimeNs()
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if m.buf != nil {
		m.buf.Start(runCtx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for vendor, r := range m.feeds {
		if !r.config.Enabled {
			continue
		}
		if err := m.startFeedLocked(runCtx, vendor, r); err != nil {
			if m.logger != nil {
				m.logger.Error(ctx, "failed to start feed", err, map[string]interface{}{
					"vendor": string(vendor),
				})
			}
		}
	}
	return nil
}

func (m *Manager) startFeedLocked(ctx context.Context, vendor tick.Vendor, r *registered) error {
	src, err := m.createSource(r.config)
	if err != nil {
		return err
	}

	h := feed.NewHandler(vendor, src, m.logger, m.handleTick, m.handleError(vendor), feed.WithTracer(m.tracer))
	r.handler = h

	if err := h.Subscribe(ctx, r.config.Symbols); err != nil {
		return fmt.Errorf("manager: subscribing %s: %w", vendor, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		h.Run(ctx)
	}()

	if m.logger != nil {
		m.logger.Info(ctx, "started feed", map[string]interface{}{
			"vendor":  string(vendor),
			"symbols": len(r.config.Symbols),
		})
	}
	return nil
}

// Stop stops every handler, the batcher, and flushes the aggregator.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	handlers := make([]*feed.Handler, 0, len(m.feeds))
	for _, r := range m.feeds {
		if r.handler != nil {
			handlers = append(handlers, r.handler)
		}
	}
	agg := m.aggregator
	cancel := m.cancel
	m.mu.Unlock()

	for _, h := range handlers {
		h.Stop()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	if m.buf != nil {
		m.buf.Stop(ctx)
	}
	if agg != nil {
		agg.FlushAll()
	}

	if m.logger != nil {
		m.logger.Info(ctx, "all feeds stopped", nil)
	}
	return nil
}

// Subscribe adds symbols to a running or pending feed.
func (m *Manager) Subscribe(ctx context.Context, vendor tick.Vendor, symbols []string) error {
	m.mu.Lock()
	r, ok := m.feeds[vendor]
	if ok {
		r.config.Symbols = append(r.config.Symbols, symbols...)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("manager: unknown vendor: %s", vendor)
	}
	if r.handler == nil {
		return nil
	}
	return r.handler.Subscribe(ctx, symbols)
}

// Unsubscribe removes symbols from a running feed.
func (m *Manager) Unsubscribe(ctx context.Context, vendor tick.Vendor, symbols []string) error {
	m.mu.RLock()
	r, ok := m.feeds[vendor]
	m.mu.RUnlock()
	if !ok || r.handler == nil {
		return nil
	}
	return r.handler.Unsubscribe(ctx, symbols)
}

// GetStatus reports the current state of one feed.
func (m *Manager) GetStatus(vendor tick.Vendor) (Status, bool) {
	m.mu.RLock()
	r, ok := m.feeds[vendor]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}

	status := Status{Vendor: vendor, Symbols: r.config.Symbols, State: feed.Stopped}
	if r.handler == nil {
		return status, true
	}

	status.State = r.handler.State()
	status.Connected = status.State == feed.Connected
	status.Errors = r.handler.Errors()

	var latencySum, latencyCount, lastTick int64
	for _, s := range r.handler.Stats() {
		status.TicksReceived += s.TicksReceived
		latencySum += s.LatencyNsAvg
		latencyCount++
		if s.LastTickTimeNs > lastTick {
			lastTick = s.LastTickTimeNs
		}
	}
	status.LastTickTime = lastTick
	if latencyCount > 0 {
		status.LatencyAvgUs = (latencySum / latencyCount) / 1000
	}
	return status, true
}

// GetAllStatus reports the current state of every registered feed.
func (m *Manager) GetAllStatus() map[tick.Vendor]Status {
	m.mu.RLock()
	vendors := make([]tick.Vendor, 0, len(m.feeds))
	for v := range m.feeds {
		vendors = append(vendors, v)
	}
	m.mu.RUnlock()

	out := make(map[tick.Vendor]Status, len(vendors))
	for _, v := range vendors {
		if status, ok := m.GetStatus(v); ok {
			out[v] = status
		}
	}
	return out
}

// Stats is an aggregate snapshot across every feed and the batcher.
type Stats struct {
	TotalTicks      int64
	TicksPerSecond  float64
	UptimeSeconds   float64
	FeedsConnected  int
	FeedsTotal      int
	BufferStats     tick.BufferStats
}

// GetStats reports aggregate manager-wide statistics.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptimeNs := tick.CurrentTimeNs() - m.startTime
	if m.startTime == 0 {
		uptimeNs = 0
	}
	uptimeSeconds := float64(uptimeNs) / 1e9

	s := Stats{
		TotalTicks:    m.totalTicks,
		UptimeSeconds: uptimeSeconds,
		FeedsTotal:    len(m.feeds),
	}
	if uptimeSeconds > 0 {
		s.TicksPerSecond = float64(m.totalTicks) / uptimeSeconds
	}
	for _, r := range m.feeds {
		if r.handler != nil && r.handler.State() == feed.Connected {
			s.FeedsConnected++
		}
	}
	if m.buf != nil {
		s.BufferStats = m.buf.Stats()
	}
	return s
}
