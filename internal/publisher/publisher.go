// Package publisher fans ticks and bars out to Redis Pub/Sub channels using
// pipelined, non-transactional batch publishes.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/feedengine/marketfeed/internal/tick"
	"github.com/feedengine/marketfeed/pkg/observability"
)

// Config configures a Publisher's Redis connection and batching behavior.
type Config struct {
	Host              string
	Port              int
	ChannelPrefix     string
	BatchSize         int
	FlushInterval     time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	StatusInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "trading"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 10 * time.Millisecond
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = 5 * time.Second
	}
}

type queuedMessage struct {
	channel string
	payload []byte
}

// Publisher batches ticks and bars and flushes them to Redis on a pipeline,
// reconnecting with exponential backoff on failure.
type Publisher struct {
	cfg    Config
	logger *observability.Logger
	clock  clock.Clock
	tracer oteltrace.Tracer

	mu        sync.Mutex
	client    *redis.Client
	connected bool

	batchMu sync.Mutex
	batch   []queuedMessage

	flushMu sync.Mutex // serializes concurrent flush calls from timer and enqueue

	statsMu           sync.Mutex
	messagesPublished int64
	publishErrors     int64
	flushes           int64
	connectedFeeds    []string

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Publisher at construction.
type Option func(*Publisher)

// WithClock overrides the time source, used in tests to control flush and
// status timing deterministically.
func WithClock(c clock.Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

// WithTracer roots one span per batch flush.
func WithTracer(t oteltrace.Tracer) Option {
	return func(p *Publisher) { p.tracer = t }
}

// New creates a Publisher. Call Start to connect and begin flushing.
func New(cfg Config, logger *observability.Logger, opts ...Option) *Publisher {
	cfg.applyDefaults()
	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) channel(parts ...string) string {
	return strings.Join(append([]string{p.cfg.ChannelPrefix}, parts...), ":")
}

// Connected reports whether the Redis client is currently usable.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Connect establishes a Redis connection, retrying with exponential backoff
// until it succeeds or ctx is canceled.
func (p *Publisher) Connect(ctx context.Context) error {
	delay := p.cfg.ReconnectDelay
	for {
		client := redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port),
			PoolSize:     10,
			MinIdleConns: 2,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			if p.logger != nil {
				p.logger.Warn(ctx, "redis connection failed, retrying", map[string]interface{}{
					"error": err.Error(),
					"delay": delay.String(),
				})
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(delay):
			}
			delay *= 2
			if delay > p.cfg.ReconnectMaxDelay {
				delay = p.cfg.ReconnectMaxDelay
			}
			continue
		}

		p.mu.Lock()
		p.client = client
		p.connected = true
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Info(ctx, "connected to redis", map[string]interface{}{
				"host": p.cfg.Host,
				"port": p.cfg.Port,
			})
		}
		return nil
	}
}

// Start connects if necessary and launches the flush and status loops.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.Connected() {
		if err := p.Connect(ctx); err != nil {
			return err
		}
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.doneCh)

	flushTicker := p.clock.Ticker(p.cfg.FlushInterval)
	defer flushTicker.Stop()
	statusTicker := p.clock.Ticker(p.cfg.StatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			p.flush(ctx)
		case <-statusTicker.C:
			p.publishStatus(ctx)
		}
	}
}

// Stop halts the background loops, flushes any remaining batch, and closes
// the Redis client. Stop is idempotent.
func (p *Publisher) Stop(ctx context.Context) {
	if p.stopCh == nil {
		return
	}
	select {
	case <-p.stopCh:
		return
	default:
		close(p.stopCh)
	}
	<-p.doneCh
	p.flush(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.connected = false
	}
	if p.logger != nil {
		p.statsMu.Lock()
		published := p.messagesPublished
		p.statsMu.Unlock()
		p.logger.Info(ctx, "redis publisher stopped", map[string]interface{}{
			"messages_published": published,
		})
	}
}

// SetConnectedFeeds updates the feed-name list reported in status frames.
func (p *Publisher) SetConnectedFeeds(feeds []string) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.connectedFeeds = feeds
}

type tickPayload struct {
	Type   string   `json:"type"`
	Symbol string   `json:"symbol"`
	Ts     int64    `json:"ts"`
	Bid    *float64 `json:"bid"`
	Ask    *float64 `json:"ask"`
	Last   *float64 `json:"last"`
	Volume int64    `json:"volume"`
}

func fixedToFloat(mantissa int64, precision int) float64 {
	f, _ := decimal.New(mantissa, int32(-precision)).Float64()
	return f
}

// PublishTick queues a tick for the next batched flush.
func (p *Publisher) PublishTick(t tick.Tick) error {
	payload := tickPayload{
		Type:   "tick",
		Symbol: t.Symbol,
		Ts:     t.TimestampNs / int64(time.Millisecond),
		Volume: t.Size(),
	}
	if t.BidPrice != nil {
		payload.Bid = ptrFloat(fixedToFloat(*t.BidPrice, t.Precision))
	}
	if t.AskPrice != nil {
		payload.Ask = ptrFloat(fixedToFloat(*t.AskPrice, t.Precision))
	}
	if t.TradePrice != nil {
		payload.Last = ptrFloat(fixedToFloat(*t.TradePrice, t.Precision))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publisher: marshaling tick: %w", err)
	}
	p.enqueue(p.channel("ticks", t.Symbol), data)
	return nil
}

type barPayload struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Ts        int64   `json:"ts"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

// PublishBar queues a closed OHLCV bar for the next batched flush.
func (p *Publisher) PublishBar(b tick.Bar, timeframe string) error {
	payload := barPayload{
		Type:      "bar",
		Symbol:    b.Symbol,
		Timeframe: timeframe,
		Ts:        b.BarTs / int64(time.Millisecond),
		Open:      fixedToFloat(b.Open, b.Precision),
		High:      fixedToFloat(b.High, b.Precision),
		Low:       fixedToFloat(b.Low, b.Precision),
		Close:     fixedToFloat(b.Close, b.Precision),
		Volume:    b.Volume,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publisher: marshaling bar: %w", err)
	}
	p.enqueue(p.channel("bars", b.Symbol, timeframe), data)
	return nil
}

func ptrFloat(v float64) *float64 { return &v }

func (p *Publisher) enqueue(channel string, payload []byte) {
	p.batchMu.Lock()
	p.batch = append(p.batch, queuedMessage{channel: channel, payload: payload})
	full := len(p.batch) >= p.cfg.BatchSize
	p.batchMu.Unlock()

	if full {
		p.flush(context.Background())
	}
}

func (p *Publisher) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.batchMu.Lock()
	batch := p.batch
	p.batch = nil
	p.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	if p.tracer != nil {
		var span oteltrace.Span
		ctx, span = p.tracer.Start(ctx, "publisher.flush")
		defer span.End()
	}

	p.mu.Lock()
	client := p.client
	connected := p.connected
	p.mu.Unlock()

	if client == nil || !connected {
		p.statsMu.Lock()
		p.publishErrors += int64(len(batch))
		p.statsMu.Unlock()
		return
	}

	pipe := client.Pipeline()
	for _, m := range batch {
		pipe.Publish(ctx, m.channel, m.payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.statsMu.Lock()
		p.publishErrors += int64(len(batch))
		p.statsMu.Unlock()

		if p.logger != nil {
			p.logger.Error(ctx, "redis publish failed", err, map[string]interface{}{
				"messages_lost": len(batch),
			})
		}
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		go p.Connect(context.Background())
		return
	}

	p.statsMu.Lock()
	p.messagesPublished += int64(len(batch))
	p.flushes++
	p.statsMu.Unlock()
}

type statusPayload struct {
	Type              string   `json:"type"`
	Connected         bool     `json:"connected"`
	Feeds             []string `json:"feeds"`
	MessagesPublished int64    `json:"messages_published"`
	PublishErrors     int64    `json:"publish_errors"`
	Flushes           int64    `json:"flushes"`
	Ts                int64    `json:"ts"`
}

func (p *Publisher) publishStatus(ctx context.Context) {
	p.mu.Lock()
	client := p.client
	connected := p.connected
	p.mu.Unlock()
	if client == nil || !connected {
		return
	}

	p.statsMu.Lock()
	payload := statusPayload{
		Type:              "status",
		Connected:         true,
		Feeds:             append([]string(nil), p.connectedFeeds...),
		MessagesPublished: p.messagesPublished,
		PublishErrors:     p.publishErrors,
		Flushes:           p.flushes,
		Ts:                p.clock.Now().UnixNano() / int64(time.Millisecond),
	}
	p.statsMu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := client.Publish(ctx, p.channel("status", "feeds"), data).Err(); err != nil && p.logger != nil {
		p.logger.Warn(ctx, "status publish error", map[string]interface{}{"error": err.Error()})
	}
}

// Stats is a snapshot of the publisher's batching counters.
type Stats struct {
	MessagesPublished int64
	PublishErrors     int64
	Flushes           int64
}

// Stats returns a snapshot of the publisher's counters.
func (p *Publisher) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return Stats{
		MessagesPublished: p.messagesPublished,
		PublishErrors:     p.publishErrors,
		Flushes:           p.flushes,
	}
}
